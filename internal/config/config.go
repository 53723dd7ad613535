package config

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string `env:"BASE_URL"`
	FrontendURL string `env:"FRONTEND_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"cvbanai.db"`

	Bkash  Bkash  `envPrefix:"BKASH_"`
	Notify Notify `envPrefix:"NOTIFY_"`
}

type Bkash struct {
	BaseApiURL string `env:"BASE_API_URL"`
	AppKey     string `env:"APP_KEY"`
	AppSecret  string `env:"APP_SECRET"`
	Username   string `env:"USERNAME"`
	Password   string `env:"PASSWORD"`
	// Seconds shaved off the granted token lifetime to absorb clock skew
	// and in-flight latency.
	TokenSafetyMarginSec int `env:"TOKEN_SAFETY_MARGIN_SEC" envDefault:"60"`
}

type Notify struct {
	WebhookURL string `env:"WEBHOOK_URL"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
