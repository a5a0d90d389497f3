package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishToStream XADD 到 stream。maxLen > 0 时按近似长度裁剪。
func PublishToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		s, err := streamValue(v)
		if err != nil {
			return "", fmt.Errorf("stream field %s: %w", k, err)
		}
		fields[k] = s
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 以 data 字段发布 JSON 消息，extra 中的字段原样附加（如 type、token）
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, data interface{}, extra map[string]interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	values := map[string]interface{}{
		"data":      string(b),
		"timestamp": time.Now().Unix(),
	}
	for k, v := range extra {
		values[k] = v
	}
	return PublishToStream(ctx, client, stream, maxLen, values)
}

// ReadRange 按 ID 顺序读取 stream（XRANGE），供回放和测试使用
func ReadRange(ctx context.Context, client *redis.Client, stream, start, stop string) ([]StreamMessage, error) {
	msgs, err := client.XRange(ctx, stream, start, stop).Result()
	return toStreamMessages(stream, msgs, err)
}

// ReadRangeN 同 ReadRange，最多返回 count 条（XRANGE ... COUNT n）
func ReadRangeN(ctx context.Context, client *redis.Client, stream, start, stop string, count int64) ([]StreamMessage, error) {
	msgs, err := client.XRangeN(ctx, stream, start, stop, count).Result()
	return toStreamMessages(stream, msgs, err)
}

func toStreamMessages(stream string, msgs []redis.XMessage, err error) ([]StreamMessage, error) {
	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{Stream: stream, ID: m.ID, Values: m.Values})
	}
	return out, nil
}

func streamValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
