// Command sawt-dial places one outbound call that lands on a running sawt
// service's voice webhook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/sawt/pkg/configutil"
	"github.com/harunnryd/sawt/pkg/transports"
	twiliotransport "github.com/harunnryd/sawt/pkg/transports/twilio"
)

type dialConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "caller ID")
	to := flag.String("to", "", "destination number")
	voiceURL := flag.String("voice_url", "", "override the voice webhook URL")
	sendDigits := flag.String("send_digits", "", "DTMF to play once answered")
	timeout := flag.Duration("timeout", 15*time.Second, "REST request timeout")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: sawt-dial -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}

	settings, err := loadTwilioSettings(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var cfg twiliotransport.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	for path, val := range map[string]string{
		"transports.settings.account_sid": cfg.AccountSID,
		"transports.settings.auth_token":  cfg.AuthToken,
	} {
		if err := configutil.RequireString(val, path); err != nil {
			fmt.Println("config error:", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	callSID, err := twiliotransport.NewDialer(cfg).DialWithOptions(ctx, *to, *from, *voiceURL, transports.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadTwilioSettings(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg dialConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Transports.Provider != "" && cfg.Transports.Provider != "twilio" {
		return nil, fmt.Errorf("transports.provider is %q, want twilio", cfg.Transports.Provider)
	}
	for k, val := range cfg.Transports.Settings {
		if s, ok := val.(string); ok {
			cfg.Transports.Settings[k] = os.ExpandEnv(s)
		}
	}
	return cfg.Transports.Settings, nil
}
