package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"notebot/internal/storage"
)

// Notifier carries resolved requests to whoever is waiting on them. The
// subscription must be active before Subscribe returns.
type Notifier interface {
	Publish(ctx context.Context, req storage.ApprovalRequest) error
	Subscribe(ctx context.Context, requestID string) (<-chan storage.ApprovalRequest, func(), error)
}

var (
	_ Notifier = (*LocalNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)

type LocalNotifier struct {
	mu      sync.Mutex
	waiters map[string]map[chan storage.ApprovalRequest]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{waiters: make(map[string]map[chan storage.ApprovalRequest]struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, req storage.ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.waiters[req.ID] {
		select {
		case ch <- req:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, requestID string) (<-chan storage.ApprovalRequest, func(), error) {
	ch := make(chan storage.ApprovalRequest, 1)
	n.mu.Lock()
	set, ok := n.waiters[requestID]
	if !ok {
		set = make(map[chan storage.ApprovalRequest]struct{})
		n.waiters[requestID] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.waiters[requestID], ch)
		if len(n.waiters[requestID]) == 0 {
			delete(n.waiters, requestID)
		}
	}
	return ch, cancel, nil
}

// RedisNotifier fans decisions out over redis pub/sub so the process that
// receives the user's answer can wake a turn running in another process.
type RedisNotifier struct {
	redis  *redis.Client
	prefix string
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{redis: rdb, prefix: "notebot:approval:"}
}

func (n *RedisNotifier) Publish(ctx context.Context, req storage.ApprovalRequest) error {
	payload, err := json.Marshal(wireRequest(req))
	if err != nil {
		return fmt.Errorf("marshal approval notice: %w", err)
	}
	if err := n.redis.Publish(ctx, n.prefix+req.ID, payload).Err(); err != nil {
		return fmt.Errorf("publish approval notice: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, requestID string) (<-chan storage.ApprovalRequest, func(), error) {
	ps := n.redis.Subscribe(ctx, n.prefix+requestID)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe approval notices: %w", err)
	}

	out := make(chan storage.ApprovalRequest, 1)
	done := make(chan struct{})
	msgs := ps.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var w noticeJSON
				if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
					continue
				}
				select {
				case out <- w.request():
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

type noticeJSON struct {
	ID         string `json:"id"`
	NotebookID string `json:"notebook_id"`
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func wireRequest(r storage.ApprovalRequest) noticeJSON {
	return noticeJSON{ID: r.ID, NotebookID: r.NotebookID, ToolName: r.ToolName, Status: string(r.Status), Reason: r.Reason}
}

func (w noticeJSON) request() storage.ApprovalRequest {
	return storage.ApprovalRequest{ID: w.ID, NotebookID: w.NotebookID, ToolName: w.ToolName, Status: storage.ApprovalStatus(w.Status), Reason: w.Reason}
}
