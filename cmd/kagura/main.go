package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/altheris/kagura/internal/cache"
	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/handlers"
	"github.com/altheris/kagura/internal/repository"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal(err)
	}
	db, err := repository.OpenDB(cfg)
	if err != nil {
		log.Fatal(err)
	}
	repo := repository.NewRepo(db)
	cache := cache.NewFileCache(cfg, repo)
	bot := handlers.NewBot(cfg, repo, cache)

	if err := bot.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
