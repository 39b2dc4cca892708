package transport

import "context"

type UpdateKind string

const UpdateMessage UpdateKind = "message"

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type UnitKind int

const (
	UnitText UnitKind = iota
	UnitSticker
)

// Unit is one outbound message: a text, or a sticker referenced by the
// channel's own file identifier.
type Unit struct {
	Kind      UnitKind
	Text      string
	StickerID string
}

func Text(s string) Unit       { return Unit{Kind: UnitText, Text: s} }
func Sticker(id string) Unit   { return Unit{Kind: UnitSticker, StickerID: id} }
func (u Unit) IsSticker() bool { return u.Kind == UnitSticker }

// Adapter is a messaging channel: inbound updates plus outbound text and
// notification batches.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// SendText replies to a chat.
	SendText(ctx context.Context, recipient string, text string) error
	// SendBatch delivers a small group of units in order. Callers keep
	// batches within the channel's per-call limit.
	SendBatch(ctx context.Context, recipient string, units []Unit) error
}
