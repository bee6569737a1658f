//go:build wireinject
// +build wireinject

package di

import (
	"CryptoPull/pkg/config"
	"CryptoPull/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,

		// Storage and infrastructure clients
		ProvideDB,
		ProvideRepositories,
		ProvideRedisCache,
		ProvideHotCache,
		ProvideClickHouseClient,
		ProvideMirror,
		ProvideEventPublisher,
		ProvideContentCache,
		ProvideTransport,
		ProvideRegistry,
		ProvideParameters,
		ProvideCredentials,

		// Services
		ProvideVaREngine,
		ProvideQuality,
		ProvideRiskManager,
		ProvidePriceBook,
		ProvideOrderManager,
		ProvidePredictor,

		// Use cases
		ProvideSentiment,
		ProvideCalibration,
		ProvideIngestion,
		ProvideSignals,
		ProvideBars,
		ProvideTRSMonitor,
		ProvideQueue,
		ProvideScheduler,
		ProvideOperator,
		ProvideLivePath,

		// Application server
		ProvideHTTPHandler,
		ProvideApp,
	)
	return &server.App{}, nil
}
