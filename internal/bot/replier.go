package bot

import (
	"context"
)

// chatReplier binds a Messenger to the chat a question came from.
type chatReplier struct {
	messenger Messenger
	chatID    int64
}

func (r chatReplier) SendText(ctx context.Context, text string) (int, error) {
	return r.messenger.SendText(ctx, r.chatID, text)
}

func (r chatReplier) EditText(ctx context.Context, messageID int, text string) error {
	return r.messenger.EditText(ctx, r.chatID, messageID, text)
}

func (r chatReplier) SendPhoto(ctx context.Context, url string) error {
	return r.messenger.SendPhoto(ctx, r.chatID, url)
}

// Notify sends a standalone notice that is never edited afterwards.
func (r chatReplier) Notify(ctx context.Context, text string) error {
	_, err := r.messenger.SendText(ctx, r.chatID, text)
	return err
}
