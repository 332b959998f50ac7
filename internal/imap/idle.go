package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

const (
	// idleRetryDelay is the backoff after a failed IDLE session.
	idleRetryDelay = 10 * time.Second
	// idlePollInterval is the NOOP interval for servers without IDLE.
	idlePollInterval = 5 * time.Second
)

// WatchInbox keeps an IDLE session open on INBOX over the account's listener connection
// and calls onNewMail whenever the server reports a changed message count.
// It blocks until ctx is canceled.
func (a *Adapter) WatchInbox(ctx context.Context, onNewMail func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := a.idleOnce(ctx, onNewMail); err != nil && ctx.Err() == nil {
			a.logger.Warn("IDLE session ended", zap.Error(err))
			a.pool.RemoveListenerConnection(a.account.ID)
		}

		if !sleepCtx(ctx, idleRetryDelay) {
			return ctx.Err()
		}
	}
}

func (a *Adapter) idleOnce(ctx context.Context, onNewMail func()) error {
	cfg, err := a.connConfig(ctx)
	if err != nil {
		return err
	}
	listener, err := a.pool.GetListenerConnection(ctx, a.account.ID, cfg)
	if err != nil {
		return err
	}
	defer listener.Unlock()

	c := listener.GetClient()
	status, err := c.Select("INBOX", true)
	if err != nil {
		return wrapErr("imap select INBOX", err)
	}
	w := &inboxWatch{messages: status.Messages, onNewMail: onNewMail}

	updates := make(chan imapclient.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c).IdleWithFallback(stop, idlePollInterval)
	}()
	a.logger.Debug("IDLE started", zap.Uint32("messages", status.Messages))

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case err := <-done:
			return err
		case update := <-updates:
			listener.UpdateLastUsed()
			w.handle(update)
		}
	}
}

// inboxWatch tracks the INBOX message count between updates.
type inboxWatch struct {
	messages  uint32
	onNewMail func()
}

// handle calls onNewMail when update grows the INBOX message count.
func (w *inboxWatch) handle(update imapclient.Update) {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil || mboxUpdate.Mailbox.Name != "INBOX" {
		return
	}

	count := mboxUpdate.Mailbox.Messages
	grew := count > w.messages
	w.messages = count
	if grew && w.onNewMail != nil {
		w.onNewMail()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
