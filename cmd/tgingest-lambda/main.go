package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"tgingest/internal/app"
	"tgingest/pkg/auth"
	"tgingest/pkg/config"
	"tgingest/pkg/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("TGINGEST_CONFIG"), nil)
	if err != nil {
		logger.GetLogger().WithError(err).Fatal("Failed to load configuration")
	}
	// the function filesystem is read-only outside /tmp
	cfg.Logging.File = ""
	cfg.Logging.NoColor = true
	if err := logger.Initialize(&cfg.Logging); err != nil {
		logger.GetLogger().WithError(err).Fatal("Failed to initialize logger")
	}
	log := logger.GetLogger().WithField("runtime", "lambda")

	a := app.New(cfg, log)
	ssmStore, err := a.SSMCredentials(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to create SSM credential store")
	}
	a = app.New(cfg, log, app.WithCredentials(auth.NewManagerWithStores(ssmStore, auth.NewEnvironmentStore())))

	h := NewHandler(a, log)
	lambda.Start(h.Handle)
}
