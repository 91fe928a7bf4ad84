package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] = user connection set, KEYS[2] = node index set
// ARGV[1] = connection id, ARGV[2] = node index member
// Returns 1 when the connection is the user's first.
const luaAdd = `
local added = redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
if added == 1 and redis.call("SCARD", KEYS[1]) == 1 then
  return 1
end
return 0
`

// KEYS[1] = user connection set, KEYS[2] = node index set
// ARGV[1] = connection id, ARGV[2] = node index member
// Returns 1 when the removed connection was the user's last.
const luaRemove = `
local removed = redis.call("SREM", KEYS[1], ARGV[1])
redis.call("SREM", KEYS[2], ARGV[2])
if removed == 1 and redis.call("SCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

// RedisRegistry shares presence between relays. Each relay instance writes
// under its own node id so Clear only drops the connections it owns.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	nodeID string

	add    *redis.Script
	remove *redis.Script
}

// NewRedisRegistry wraps client. prefix namespaces every key.
func NewRedisRegistry(client *redis.Client, prefix, nodeID string) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: prefix,
		nodeID: nodeID,
		add:    redis.NewScript(luaAdd),
		remove: redis.NewScript(luaRemove),
	}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisRegistry) userKey(userID string) string { return r.prefix + "u:" + userID }
func (r *RedisRegistry) nodeKey() string { return r.prefix + "node:" + r.nodeID }

// user ids never contain a newline; connection ids are uuids
func nodeMember(userID, connID string) string { return userID + "\n" + connID }

func (r *RedisRegistry) Add(ctx context.Context, userID, connID string) (bool, error) {
	n, err := r.add.Run(ctx, r.client,
		[]string{r.userKey(userID), r.nodeKey()},
		connID, nodeMember(userID, connID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence add %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, userID, connID string) (bool, error) {
	n, err := r.remove.Run(ctx, r.client,
		[]string{r.userKey(userID), r.nodeKey()},
		connID, nodeMember(userID, connID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence remove %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Connections(ctx context.Context, userID string) ([]string, error) {
	conns, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence connections %s: %w", userID, err)
	}
	sort.Strings(conns)
	return conns, nil
}

func (r *RedisRegistry) Online(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.SCard(ctx, r.userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence online %s: %w", userID, err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) Clear(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.nodeKey()).Result()
	if err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	for _, m := range members {
		userID, connID, ok := strings.Cut(m, "\n")
		if !ok {
			continue
		}
		if _, err := r.Remove(ctx, userID, connID); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, r.nodeKey()).Err()
}
