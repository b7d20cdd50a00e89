package canvas

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Easel instances to safely coexist on a single Redis server.
//
// Key pattern: easel:{instance_name}:{entity}:{id}
// Channel pattern: easel:{instance_name}:{event_type}_events

// VersionKey returns the Redis key for a version hash.
// Pattern: easel:{instance_name}:version:{version_id}
func VersionKey(instanceName, versionID string) string {
	return fmt.Sprintf("easel:%s:version:%s", instanceName, versionID)
}

// ThreadKey returns the Redis key for a canvas's version thread ZSET.
// Members are version IDs, scores are version numbers.
// Pattern: easel:{instance_name}:canvas:{canvas_id}:versions
func ThreadKey(instanceName, canvasID string) string {
	return fmt.Sprintf("easel:%s:canvas:%s:versions", instanceName, canvasID)
}

// SelectedKey returns the Redis key holding the selected version pointer
// for a canvas. A single pointer key makes "at most one selected" structural.
// Pattern: easel:{instance_name}:canvas:{canvas_id}:selected
func SelectedKey(instanceName, canvasID string) string {
	return fmt.Sprintf("easel:%s:canvas:%s:selected", instanceName, canvasID)
}

// EvolutionIndexKey returns the Redis key for a canvas's content-dedup hash.
// Fields are evolution fingerprints, values are version IDs.
// Pattern: easel:{instance_name}:canvas:{canvas_id}:evolutions
func EvolutionIndexKey(instanceName, canvasID string) string {
	return fmt.Sprintf("easel:%s:canvas:%s:evolutions", instanceName, canvasID)
}

// ConversationCanvasesKey returns the Redis key for the conversation->canvas
// index SET.
// Pattern: easel:{instance_name}:conversation:{conversation_id}:canvases
func ConversationCanvasesKey(instanceName, conversationID string) string {
	return fmt.Sprintf("easel:%s:conversation:%s:canvases", instanceName, conversationID)
}

// IdempotencyResultKey returns the Redis key storing a recorded result.
// Pattern: easel:{instance_name}:idem:{key}
func IdempotencyResultKey(instanceName, key string) string {
	return fmt.Sprintf("easel:%s:idem:%s", instanceName, key)
}

// IdempotencyPendingKey returns the Redis key for the pending marker of an
// idempotency key. Written with SET NX and a lease TTL.
// Pattern: easel:{instance_name}:idem:{key}:pending
func IdempotencyPendingKey(instanceName, key string) string {
	return fmt.Sprintf("easel:%s:idem:%s:pending", instanceName, key)
}

// VersionEventsChannel returns the Pub/Sub channel name for version events.
// Pattern: easel:{instance_name}:version_events
func VersionEventsChannel(instanceName string) string {
	return fmt.Sprintf("easel:%s:version_events", instanceName)
}

// ThreadScore converts a version number to a Redis ZSET score.
// Version numbers start at 1 and increment sequentially.
func ThreadScore(number int) float64 {
	return float64(number)
}

// NumberFromScore converts a Redis ZSET score back to a version number.
func NumberFromScore(score float64) int {
	return int(score)
}
