package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/chat-bridge/lib/metrics"
	"github.com/onkernel/chat-bridge/lib/reconcile"
)

const (
	sendKindText = "text"
	sendKindFile = "file"
)

// SendMessage types text into chatID and returns the ID of the resulting
// message, or reconcile.FailedSendID when the client did not confirm it in
// time.
func (c *Controller) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	if text == "" {
		return 0, errors.New("empty message")
	}
	return run(ctx, c, func(ctx context.Context, e env) (int64, error) {
		return c.send(ctx, e, chatID, sendKindText, c.cfg.SendTimeout, func() error {
			if err := e.page.Type(ctx, e.sel.MessageInput, text); err != nil {
				return err
			}
			return e.page.Press(ctx, "Enter")
		})
	})
}

// SendFile uploads the file at path into chatID. Uploads get the longer
// upload timeout.
func (c *Controller) SendFile(ctx context.Context, chatID, path string) (int64, error) {
	if path == "" {
		return 0, errors.New("empty file path")
	}
	return run(ctx, c, func(ctx context.Context, e env) (int64, error) {
		return c.send(ctx, e, chatID, sendKindFile, c.cfg.UploadTimeout, func() error {
			return e.page.Upload(ctx, e.sel.FileInput, path)
		})
	})
}

func (c *Controller) send(ctx context.Context, e env, chatID, kind string, timeout time.Duration, action func() error) (int64, error) {
	if err := c.viewChat(ctx, e, chatID, true); err != nil {
		metrics.Sends.WithLabelValues(kind, "error").Inc()
		return 0, err
	}
	pending, err := c.gate.Arm(chatID)
	if err != nil {
		metrics.Sends.WithLabelValues(kind, "error").Inc()
		return 0, err
	}
	logger := c.logger.With("chat", chatID, "kind", kind, "token", pending.Token)

	if err := e.source.ExpectOwnMessage(ctx); err != nil {
		pending.Release()
		metrics.Sends.WithLabelValues(kind, "error").Inc()
		return 0, fmt.Errorf("watch own message: %w", err)
	}
	if err := action(); err != nil {
		pending.Release()
		metrics.Sends.WithLabelValues(kind, "error").Inc()
		return 0, fmt.Errorf("send %s: %w", kind, err)
	}

	id := pending.Wait(ctx, timeout)
	if id == reconcile.FailedSendID {
		logger.Warn("send not confirmed", "timeout", timeout)
		metrics.Sends.WithLabelValues(kind, "failed").Inc()
		c.dumpPage("send-" + kind + "-failed")
		return reconcile.FailedSendID, nil
	}
	c.states.AdvanceOwnMessage(chatID, id)
	metrics.Sends.WithLabelValues(kind, "ok").Inc()
	logger.Debug("send confirmed", "id", id)
	return id, nil
}
