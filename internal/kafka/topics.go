package kafka

// Topic names shared by the services.
const (
	TopicPending = "tasks.pending"
	TopicDLQ     = "tasks.dlq"
	TopicControl = "tasks.control"
	TopicReplies = "tasks.replies"
)

// DefaultQueue receives tasks with no route.
const DefaultQueue = "default"

// QueueTopic returns the topic workers of queue consume.
func QueueTopic(queue string) string {
	if queue == "" {
		queue = DefaultQueue
	}
	return "tasks.queue." + queue
}
