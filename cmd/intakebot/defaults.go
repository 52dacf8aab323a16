package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.request_timeout", 90*time.Second)
	viper.SetDefault("llm.transcription_model", "whisper-1")

	viper.SetDefault("gateway.url", "ws://127.0.0.1:8765/ws")

	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("session_dir", "./data/sessions")
	viper.SetDefault("media_dir", "./data/media")

	viper.SetDefault("fleet.keepalive_interval", 5*time.Minute)
	viper.SetDefault("fleet.max_reconnect_attempts", 10)
	viper.SetDefault("fleet.restore_base_timeout", 30*time.Second)
	viper.SetDefault("fleet.restore_per_attempt", 10*time.Second)

	viper.SetDefault("ingest.first_connect_window", 30*time.Second)
	viper.SetDefault("ingest.reconnect_buffer", 60*time.Second)
	viper.SetDefault("ingest.recovery_window", 24*time.Hour)
	viper.SetDefault("ingest.dedup_capacity", 100)

	viper.SetDefault("intake.max_analysis_turns", 6)
	viper.SetDefault("intake.max_retry_attempts", 3)
	viper.SetDefault("intake.retry_delay", 30*time.Second)

	viper.SetDefault("trace", false)
}
