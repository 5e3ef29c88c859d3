package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/models"
	"github.com/go-redis/redis/v8"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrConcurrentUpdate = errors.New("record modified concurrently")
)

const scanBatch = 200

// Key layout. Records hold JSON; index keys are Redis lists of ids.
const (
	orderPrefix                = "order:"
	notificationPrefix         = "notification:"
	messagePrefix              = "message:"
	shopOrdersPrefix           = "shop-orders:"
	studentOrdersPrefix        = "student-orders:"
	studentNotificationsPrefix = "student-notifications:"
	orderMessagesPrefix        = "order-messages:"
	studentUnreadPrefix        = "student-unread-messages:"
	shopViewedCancelledPrefix  = "shop-viewed-cancelled:"
	placementPrefix            = "placement:"
)

func OrderKey(id string) string {
	return orderPrefix + id
}

func NotificationKey(id string) string {
	return notificationPrefix + id
}

func ShopOrdersKey(shopID string) string {
	return shopOrdersPrefix + shopID
}

func StudentOrdersKey(studentID string) string {
	return studentOrdersPrefix + studentID
}

func OrderMessagesKey(orderID string) string {
	return orderMessagesPrefix + orderID
}

func StudentUnreadKey(studentID string) string {
	return studentUnreadPrefix + studentID
}

func ShopViewedCancelledKey(shopID string) string {
	return shopViewedCancelledPrefix + shopID
}

func StudentNotificationsKey(studentID string) string {
	return studentNotificationsPrefix + studentID
}

func MessageKey(orderID, messageID string) string {
	return fmt.Sprintf("%s%s:%s", messagePrefix, orderID, messageID)
}

func PlacementKey(studentID, requestID string) string {
	return fmt.Sprintf("%s%s:%s", placementPrefix, studentID, requestID)
}

// appendUniqueScript pushes ARGV[1] onto KEYS[1] unless it is already there,
// so a retried append never duplicates an id.
var appendUniqueScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, v in ipairs(items) do
  if v == ARGV[1] then
    return 0
  end
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		config: cfg,
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisRepository) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (r *RedisRepository) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// SetNX stores value only if key is absent and reports whether it did.
func (r *RedisRepository) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *RedisRepository) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// AppendUnique adds id to the tail of the index list at key unless present.
func (r *RedisRepository) AppendUnique(ctx context.Context, key, id string) (bool, error) {
	added, err := appendUniqueScript.Run(ctx, r.client, []string{key}, id).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Prepend puts id at the head of the index list.
func (r *RedisRepository) Prepend(ctx context.Context, key, id string) error {
	return r.client.LPush(ctx, key, id).Err()
}

// Range returns index entries start..stop inclusive; -1 means the end.
func (r *RedisRepository) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *RedisRepository) Remove(ctx context.Context, key, id string) error {
	return r.client.LRem(ctx, key, 0, id).Err()
}

// Replace swaps the whole index list for ids in one transaction.
func (r *RedisRepository) Replace(ctx context.Context, key string, ids []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(ids) > 0 {
			values := make([]interface{}, len(ids))
			for i, id := range ids {
				values[i] = id
			}
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	return err
}

// ScanKeys walks the keyspace for every key starting with prefix.
func (r *RedisRepository) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func getMany[T any](ctx context.Context, c *redis.Client, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// missing record behind an index entry
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *RedisRepository) SaveOrder(ctx context.Context, order *models.Order) error {
	return r.SetJSON(ctx, OrderKey(order.ID), order, 0)
}

func (r *RedisRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := r.GetJSON(ctx, OrderKey(id), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrders loads the orders for ids in order, skipping ids with no record.
func (r *RedisRepository) GetOrders(ctx context.Context, ids []string) ([]*models.Order, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = OrderKey(id)
	}
	return getMany[models.Order](ctx, r.client, keys)
}

// UpdateOrder runs fn against the stored order inside WATCH/MULTI so the
// write only lands if nobody changed the record in between. fn reports
// whether it modified the order; unmodified orders are not rewritten.
func (r *RedisRepository) UpdateOrder(ctx context.Context, id string, fn func(*models.Order) (bool, error)) (*models.Order, error) {
	key := OrderKey(id)
	var updated *models.Order

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var order models.Order
		if err := json.Unmarshal(data, &order); err != nil {
			return fmt.Errorf("failed to decode order %s: %w", id, err)
		}

		changed, err := fn(&order)
		if err != nil {
			return err
		}
		updated = &order
		if !changed {
			return nil
		}

		payload, err := json.Marshal(&order)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrConcurrentUpdate
		}
		return nil, err
	}
	return updated, nil
}

// ScanOrders loads every order record by prefix scan.
func (r *RedisRepository) ScanOrders(ctx context.Context) ([]*models.Order, error) {
	keys, err := r.ScanKeys(ctx, orderPrefix)
	if err != nil {
		return nil, err
	}
	return getMany[models.Order](ctx, r.client, keys)
}

func (r *RedisRepository) SaveNotification(ctx context.Context, n *models.Notification) error {
	return r.SetJSON(ctx, NotificationKey(n.ID), n, 0)
}

func (r *RedisRepository) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	var n models.Notification
	if err := r.GetJSON(ctx, NotificationKey(id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *RedisRepository) GetNotifications(ctx context.Context, ids []string) ([]*models.Notification, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = NotificationKey(id)
	}
	return getMany[models.Notification](ctx, r.client, keys)
}

// ScanNotifications loads every notification record by prefix scan.
func (r *RedisRepository) ScanNotifications(ctx context.Context) ([]*models.Notification, error) {
	keys, err := r.ScanKeys(ctx, notificationPrefix)
	if err != nil {
		return nil, err
	}
	return getMany[models.Notification](ctx, r.client, keys)
}

// SaveMessage writes the message record and appends it to its order thread.
func (r *RedisRepository) SaveMessage(ctx context.Context, m *models.Message) error {
	if err := r.SetJSON(ctx, MessageKey(m.OrderID, m.ID), m, 0); err != nil {
		return err
	}
	_, err := r.AppendUnique(ctx, OrderMessagesKey(m.OrderID), m.ID)
	return err
}

// GetMessages returns the thread for orderID in the order messages were sent.
func (r *RedisRepository) GetMessages(ctx context.Context, orderID string) ([]*models.Message, error) {
	ids, err := r.Range(ctx, OrderMessagesKey(orderID), 0, -1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = MessageKey(orderID, id)
	}
	return getMany[models.Message](ctx, r.client, keys)
}

// UpdateMessages applies fn to each message of the thread and rewrites the
// ones fn reports as changed. Returns how many were rewritten.
func (r *RedisRepository) UpdateMessages(ctx context.Context, orderID string, fn func(*models.Message) bool) (int, error) {
	messages, err := r.GetMessages(ctx, orderID)
	if err != nil {
		return 0, err
	}

	var changed []*models.Message
	for _, m := range messages {
		if fn(m) {
			changed = append(changed, m)
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range changed {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			pipe.Set(ctx, MessageKey(m.OrderID, m.ID), data, 0)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(changed), nil
}
