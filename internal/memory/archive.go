package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultSaveTimeout   = 2 * time.Second
	defaultRecallTimeout = 800 * time.Millisecond
	recallLineMaxRunes   = 240
)

// Archive redacts and saves turns in the background and turns recalled
// records into a prompt prelude. Failures are logged and counted, never
// returned to the conversation.
type Archive struct {
	store  Store
	logger *slog.Logger
	onFail func(op string)

	wg sync.WaitGroup
}

func NewArchive(store Store, logger *slog.Logger, onFail func(op string)) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	if onFail == nil {
		onFail = func(string) {}
	}
	return &Archive{store: store, logger: logger, onFail: onFail}
}

// Save archives record asynchronously.
func (a *Archive) Save(record TurnRecord) {
	if a == nil || a.store == nil || strings.TrimSpace(record.Content) == "" {
		return
	}
	record.Content, record.PIIRedacted = RedactPII(record.Content)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultSaveTimeout)
		defer cancel()
		if err := a.store.SaveTurn(ctx, record); err != nil {
			a.onFail("save")
			a.logger.Warn("archive turn failed", "session_id", record.SessionID, "role", record.Role, "err", err)
		}
	}()
}

// Prelude renders the user's recent turns as an "Earlier conversation:"
// block, or "" when there is nothing to recall.
func (a *Archive) Prelude(ctx context.Context, userID string, limit int) string {
	if a == nil || a.store == nil || userID == "" || limit <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, defaultRecallTimeout)
	defer cancel()
	records, err := a.store.RecentContext(ctx, userID, limit)
	if err != nil {
		a.onFail("recall")
		a.logger.Warn("recall context failed", "user_id", userID, "err", err)
		return ""
	}
	return FormatPrelude(records)
}

// Wait blocks until pending saves finish.
func (a *Archive) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}

func (a *Archive) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	a.wg.Wait()
	return a.store.Close()
}

func FormatPrelude(records []TurnRecord) string {
	var b strings.Builder
	for _, r := range records {
		content := strings.Join(strings.Fields(r.Content), " ")
		if content == "" || (r.Role != "user" && r.Role != "assistant") {
			continue
		}
		if runes := []rune(content); len(runes) > recallLineMaxRunes {
			content = string(runes[:recallLineMaxRunes]) + "..."
		}
		if b.Len() == 0 {
			b.WriteString("Earlier conversation:")
		}
		b.WriteString("\n- ")
		b.WriteString(r.Role)
		b.WriteString(": ")
		b.WriteString(content)
	}
	return b.String()
}
