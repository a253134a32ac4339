//go:build !linux

package main

import (
	"github.com/Meesho/BharatMLStack/directio/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func main() {
	viper.AutomaticEnv()
	logger.Init()
	log.Fatal().Msg("aiotest needs linux")
}
