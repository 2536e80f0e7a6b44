// Package cfg holds the flag-bound configuration of the stream service.
package cfg

type ConfigOptions struct {
	WebRTCConfigOptions
	ServerConfigOptions
	SignalTopicConfigOptions
	PipelineConfigOptions
	SessionConfigOptions
}

type WebRTCConfigOptions struct {
	ICEServer  string
	Username   string
	Credential string
}

type ServerConfigOptions struct {
	Host string
	Port int
}

// SignalTopicConfigOptions names the MQTT topics of the push variant.
// Every topic is suffixed with /{sessionID}.
type SignalTopicConfigOptions struct {
	StartTopicPrefix string
	SendTopicPrefix  string // Opposite to the client's receive topic.
	RecvTopicPrefix  string // Opposite to the client's send topic.
	Qos              uint
	Retained         bool
}

type PipelineConfigOptions struct {
	Protocol string // rtp, rtsp or rtmp
	Address  string
	OnDemand bool
}

type SessionConfigOptions struct {
	BackoffBaseMillis    int
	BackoffMultiplier    float64
	BackoffCapMillis     int
	MaxAttempts          int
	AnswerTimeoutSeconds int
}
