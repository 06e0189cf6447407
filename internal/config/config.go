package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable of the realtime client. All values have
// working defaults; the environment overrides them (CHAT_* keys).
type Config struct {
	Server  ServerConfig
	Session SessionConfig
	Send    SendConfig
	Typing  TypingConfig
	Media   MediaConfig
}

type ServerConfig struct {
	WebsocketURL string // ws:// or wss:// endpoint of the broker
	HTTPBaseURL  string // REST base for history and status calls
	PageSize     int    // messages per history page
}

type SessionConfig struct {
	HeartbeatInterval    time.Duration
	InitialReconnectWait time.Duration
	MaxReconnectWait     time.Duration
	BackoffMultiplier    float64
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
}

type SendConfig struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	AckWindow       time.Duration
	MaxContentBytes int
	MaxMediaPerSend int
}

type TypingConfig struct {
	ThrottleInterval time.Duration
	IdleTimeout      time.Duration
	ExpiryWindow     time.Duration
	CleanupInterval  time.Duration
}

type MediaConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	viper.SetDefault("CHAT_WS_URL", "ws://localhost:8080/ws")
	viper.SetDefault("CHAT_HTTP_BASE_URL", "http://localhost:8080")
	viper.SetDefault("CHAT_PAGE_SIZE", 30)
	viper.SetDefault("CHAT_HEARTBEAT_INTERVAL", 10*time.Second)
	viper.SetDefault("CHAT_RECONNECT_INITIAL_WAIT", time.Second)
	viper.SetDefault("CHAT_RECONNECT_MAX_WAIT", 30*time.Second)
	viper.SetDefault("CHAT_RECONNECT_MULTIPLIER", 2.0)
	viper.SetDefault("CHAT_RECONNECT_MAX_ATTEMPTS", 10)
	viper.SetDefault("CHAT_DIAL_TIMEOUT", 10*time.Second)
	viper.SetDefault("CHAT_WRITE_TIMEOUT", 10*time.Second)
	viper.SetDefault("CHAT_SEND_MAX_ATTEMPTS", 3)
	viper.SetDefault("CHAT_SEND_RETRY_DELAY", 2*time.Second)
	viper.SetDefault("CHAT_SEND_ACK_WINDOW", 10*time.Second)
	viper.SetDefault("CHAT_SEND_MAX_CONTENT_BYTES", 4096)
	viper.SetDefault("CHAT_SEND_MAX_MEDIA", 10)
	viper.SetDefault("CHAT_TYPING_THROTTLE", 2*time.Second)
	viper.SetDefault("CHAT_TYPING_IDLE_TIMEOUT", 5*time.Second)
	viper.SetDefault("CHAT_TYPING_EXPIRY", 6*time.Second)
	viper.SetDefault("CHAT_TYPING_CLEANUP_INTERVAL", time.Second)
	viper.SetDefault("CHAT_MEDIA_ENDPOINT", "localhost:9000")
	viper.SetDefault("CHAT_MEDIA_BUCKET", "chat-media")
	viper.SetDefault("CHAT_MEDIA_USE_SSL", false)
	viper.AutomaticEnv()

	return &Config{
		Server: ServerConfig{
			WebsocketURL: viper.GetString("CHAT_WS_URL"),
			HTTPBaseURL:  viper.GetString("CHAT_HTTP_BASE_URL"),
			PageSize:     viper.GetInt("CHAT_PAGE_SIZE"),
		},
		Session: SessionConfig{
			HeartbeatInterval:    viper.GetDuration("CHAT_HEARTBEAT_INTERVAL"),
			InitialReconnectWait: viper.GetDuration("CHAT_RECONNECT_INITIAL_WAIT"),
			MaxReconnectWait:     viper.GetDuration("CHAT_RECONNECT_MAX_WAIT"),
			BackoffMultiplier:    viper.GetFloat64("CHAT_RECONNECT_MULTIPLIER"),
			MaxReconnectAttempts: viper.GetInt("CHAT_RECONNECT_MAX_ATTEMPTS"),
			DialTimeout:          viper.GetDuration("CHAT_DIAL_TIMEOUT"),
			WriteTimeout:         viper.GetDuration("CHAT_WRITE_TIMEOUT"),
		},
		Send: SendConfig{
			MaxAttempts:     viper.GetInt("CHAT_SEND_MAX_ATTEMPTS"),
			RetryDelay:      viper.GetDuration("CHAT_SEND_RETRY_DELAY"),
			AckWindow:       viper.GetDuration("CHAT_SEND_ACK_WINDOW"),
			MaxContentBytes: viper.GetInt("CHAT_SEND_MAX_CONTENT_BYTES"),
			MaxMediaPerSend: viper.GetInt("CHAT_SEND_MAX_MEDIA"),
		},
		Typing: TypingConfig{
			ThrottleInterval: viper.GetDuration("CHAT_TYPING_THROTTLE"),
			IdleTimeout:      viper.GetDuration("CHAT_TYPING_IDLE_TIMEOUT"),
			ExpiryWindow:     viper.GetDuration("CHAT_TYPING_EXPIRY"),
			CleanupInterval:  viper.GetDuration("CHAT_TYPING_CLEANUP_INTERVAL"),
		},
		Media: MediaConfig{
			Endpoint:  viper.GetString("CHAT_MEDIA_ENDPOINT"),
			AccessKey: viper.GetString("CHAT_MEDIA_ACCESS_KEY"),
			SecretKey: viper.GetString("CHAT_MEDIA_SECRET_KEY"),
			Bucket:    viper.GetString("CHAT_MEDIA_BUCKET"),
			UseSSL:    viper.GetBool("CHAT_MEDIA_USE_SSL"),
		},
	}, nil
}
