package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func initConfig(file string) error {
	if file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName("freetalk")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("configs")
		viper.AddConfigPath(".")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.rate_limit_burst", 40)
	viper.SetDefault("server.rate_limit_idle_ttl", "10m")
	viper.SetDefault("server.rate_limit_sweep_interval", "5m")
	viper.SetDefault("server.webapp_dir", "")

	viper.SetDefault("dfuse.api_key", "")
	viper.SetDefault("dfuse.network", "wax.dfuse.eosnation.io")
	viper.SetDefault("dfuse.auth_url", "https://auth.eosnation.io")
	viper.SetDefault("dfuse.first_block", 1)
	viper.SetDefault("dfuse.interval", 10)
	viper.SetDefault("dfuse.connect", true)
	viper.SetDefault("dfuse.json_trx_file", "transactions.json")
	viper.SetDefault("dfuse.short_retry", "1s")
	viper.SetDefault("dfuse.long_retry", "10m")
	viper.SetDefault("dfuse.flush_threshold", 10)
	viper.SetDefault("dfuse.max_processing_failures", 3)
	viper.SetDefault("dfuse.flush_interval", "30s")

	viper.SetDefault("public.chain_id", "")
	viper.SetDefault("public.chain_rpc_url", "https://testnet.waxsweden.org")
	viper.SetDefault("public.talk_contract", "talk.edev")
	viper.SetDefault("public.eden_contract", "test2.edev")

	viper.SetDefault("signer.pays_account", "")
	viper.SetDefault("signer.pays_permission", "active")
	viper.SetDefault("signer.noop_contract", "")
	viper.SetDefault("signer.noop_action", "noop")

	viper.SetDefault("delivery.request_rps", 10)
	viper.SetDefault("delivery.request_burst", 20)

	viper.SetDefault("health.grpc_port", 9090)
	viper.SetDefault("health.check_interval", "15s")
	viper.SetDefault("health.fail_threshold", 3)
}

type serverSettings struct {
	Port          int
	CORSOrigins   []string
	RateLimitRPS  float64
	RateBurst     int
	RateIdleTTL   time.Duration
	RateSweepTick time.Duration
	WebappDir     string
}

type dfuseSettings struct {
	APIKey         string
	Network        string
	AuthURL        string
	FirstBlock     int64
	Interval       uint32
	Connect        bool
	JSONTrxFile    string
	ShortRetry     time.Duration
	LongRetry      time.Duration
	FlushThreshold int
	FlushInterval  time.Duration
	MaxFailures    int
}

type publicSettings struct {
	ChainID      string
	ChainRPCURL  string
	TalkContract string
	EdenContract string
}

type signerSettings struct {
	PaysAccount    string
	PaysPermission string
	NoopContract   string
	NoopAction     string
}

type deliverySettings struct {
	RequestRPS   float64
	RequestBurst int
}

type healthSettings struct {
	GRPCPort      int
	CheckInterval time.Duration
	FailThreshold int
}

type settings struct {
	Server   serverSettings
	Dfuse    dfuseSettings
	Public   publicSettings
	Signer   signerSettings
	Delivery deliverySettings
	Health   healthSettings
}

// filter is the feed search query selecting the talk contract's actions.
func (s settings) filter() string {
	return fmt.Sprintf("receiver:%s account:%s", s.Public.TalkContract, s.Public.TalkContract)
}

func loadSettings() settings {
	return settings{
		Server: serverSettings{
			Port:          viper.GetInt("server.port"),
			CORSOrigins:   viper.GetStringSlice("server.cors_origins"),
			RateLimitRPS:  viper.GetFloat64("server.rate_limit_rps"),
			RateBurst:     viper.GetInt("server.rate_limit_burst"),
			RateIdleTTL:   viper.GetDuration("server.rate_limit_idle_ttl"),
			RateSweepTick: viper.GetDuration("server.rate_limit_sweep_interval"),
			WebappDir:     viper.GetString("server.webapp_dir"),
		},
		Dfuse: dfuseSettings{
			APIKey:         viper.GetString("dfuse.api_key"),
			Network:        viper.GetString("dfuse.network"),
			AuthURL:        viper.GetString("dfuse.auth_url"),
			FirstBlock:     viper.GetInt64("dfuse.first_block"),
			Interval:       viper.GetUint32("dfuse.interval"),
			Connect:        viper.GetBool("dfuse.connect"),
			JSONTrxFile:    viper.GetString("dfuse.json_trx_file"),
			ShortRetry:     viper.GetDuration("dfuse.short_retry"),
			LongRetry:      viper.GetDuration("dfuse.long_retry"),
			FlushThreshold: viper.GetInt("dfuse.flush_threshold"),
			FlushInterval:  viper.GetDuration("dfuse.flush_interval"),
			MaxFailures:    viper.GetInt("dfuse.max_processing_failures"),
		},
		Public: publicSettings{
			ChainID:      viper.GetString("public.chain_id"),
			ChainRPCURL:  viper.GetString("public.chain_rpc_url"),
			TalkContract: viper.GetString("public.talk_contract"),
			EdenContract: viper.GetString("public.eden_contract"),
		},
		Signer: signerSettings{
			PaysAccount:    viper.GetString("signer.pays_account"),
			PaysPermission: viper.GetString("signer.pays_permission"),
			NoopContract:   viper.GetString("signer.noop_contract"),
			NoopAction:     viper.GetString("signer.noop_action"),
		},
		Delivery: deliverySettings{
			RequestRPS:   viper.GetFloat64("delivery.request_rps"),
			RequestBurst: viper.GetInt("delivery.request_burst"),
		},
		Health: healthSettings{
			GRPCPort:      viper.GetInt("health.grpc_port"),
			CheckInterval: viper.GetDuration("health.check_interval"),
			FailThreshold: viper.GetInt("health.fail_threshold"),
		},
	}
}
