package main

import (
	"os"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/cmd"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
