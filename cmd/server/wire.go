//go:build wireinject
// +build wireinject

package main

import (
	"net/http"

	"github.com/Wei-Shaw/idemgate/internal/config"
	"github.com/Wei-Shaw/idemgate/internal/handler"
	"github.com/Wei-Shaw/idemgate/internal/repository"
	"github.com/Wei-Shaw/idemgate/internal/server"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/google/wire"
)

type Application struct {
	Server         *http.Server
	CleanupService *service.IdempotencyCleanupService
}

func initializeApplication(cfg *config.Config) (*Application, func(), error) {
	wire.Build(
		// Business layer ProviderSets
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,

		// Server layer ProviderSet
		server.ProviderSet,

		// Application struct
		wire.Struct(new(Application), "Server", "CleanupService"),
	)
	return nil, nil, nil
}
