// Package queue はジョブエンベロープを運ぶブローカーキューを提供します。
// 取り出したメッセージは ACK されるまで可視性タイムアウト付きで保持され、
// 期限切れになると再びキューに戻されます。
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStaleDelivery は再配信済みメッセージに対する古い ACK を表します。
var ErrStaleDelivery = errors.New("delivery is no longer held by this consumer")

// Delivery は Pull で受け取ったメッセージです。
type Delivery struct {
	ID   string
	Body []byte
	// Attempt はこのメッセージの配信回数（1 から始まる）です。
	Attempt  int64
	Deadline time.Time
}

// Stats はキューの長さです。
type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
}

// Broker はブローカーキューの操作です。
type Broker interface {
	Enqueue(ctx context.Context, id string, body []byte) error
	Pull(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Requeue(ctx context.Context, now time.Time) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
}
