package queue

// QueueType defines the type of queue implementation
type QueueType string

const (
	QueueTypeEmbedded QueueType = "embedded" // Embedded NATS for dev
	QueueTypeNATS     QueueType = "nats"     // External NATS
	QueueTypeSQS      QueueType = "sqs"      // AWS SQS
	QueueTypeActiveMQ QueueType = "activemq" // STOMP/ActiveMQ
)

// Factory resolves which broker backend a router instance should wire up,
// based on the configured queue type. cmd/router uses it to pick between
// the embedded, NATS, SQS and ActiveMQ setup paths instead of comparing the
// config string directly at each call site.
type Factory struct {
	config *Config
}

// NewFactory creates a new queue factory
func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

// Type returns the configured queue type
func (f *Factory) Type() QueueType {
	return QueueType(f.config.Type)
}

// IsEmbedded returns true if using embedded NATS
func (f *Factory) IsEmbedded() bool {
	return f.config.Type == "" || QueueType(f.config.Type) == QueueTypeEmbedded
}

// IsNATS returns true if using external NATS
func (f *Factory) IsNATS() bool {
	return QueueType(f.config.Type) == QueueTypeNATS
}

// IsSQS returns true if using AWS SQS
func (f *Factory) IsSQS() bool {
	return QueueType(f.config.Type) == QueueTypeSQS
}

// IsActiveMQ returns true if using STOMP/ActiveMQ
func (f *Factory) IsActiveMQ() bool {
	return QueueType(f.config.Type) == QueueTypeActiveMQ
}

// Config returns the queue configuration
func (f *Factory) Config() *Config {
	return f.config
}

// DefaultConfig returns default queue configuration
func DefaultConfig() *Config {
	return &Config{
		Type:    string(QueueTypeEmbedded),
		DataDir: "./data/nats",
		NATS: NATSConfig{
			StreamName:   "DISPATCH",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"dispatch.>"},
		},
		SQS: SQSConfig{
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
	}
}
