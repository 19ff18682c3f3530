package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"ms-redemption/internal/config"
	"ms-redemption/internal/database"
	"ms-redemption/internal/database/migrations"
	"ms-redemption/internal/discount"
	discount_db "ms-redemption/internal/discount/db"
	"ms-redemption/internal/kafka"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/retry"
)

// migrate applies the schema and seeds the discount pool and shared code.
// It reads only the database, discount and retry settings, so it runs
// without the token secret.
func main() {
	down := flag.Bool("down", false, "roll back every migration")
	seed := flag.Bool("seed", true, "seed the discount pool and shared code when empty")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.NewWriterLogger(os.Stdout)

	var dbCfg config.DatabaseConfig
	var discountCfg config.DiscountConfig
	var retryCfg config.RetryConfig
	for _, spec := range []interface{}{&dbCfg, &discountCfg, &retryCfg} {
		if err := envconfig.Process("", spec); err != nil {
			log.Fatal("CONFIG", fmt.Sprintf("failed to process env config: %v", err))
		}
	}

	ctx := context.Background()
	bunDB, err := database.Open(ctx, dbCfg, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}

	if dbCfg.Driver == "sqlite" {
		if *down {
			log.Fatal("DATABASE", "-down is only supported for postgres")
		}
		if err := database.CreateSchema(ctx, bunDB); err != nil {
			log.Fatal("DATABASE", err.Error())
		}
		defer bunDB.Close()
	} else {
		runner := migrations.NewRunner(bunDB, log)
		// closes bunDB as well
		defer runner.Close()

		if *down {
			if err := runner.MigrateDown(); err != nil {
				log.Fatal("DATABASE", err.Error())
			}
			log.Info("DATABASE", "✅ Migrations rolled back")
			return
		}
		if err := runner.MigrateUp(); err != nil {
			log.Fatal("DATABASE", err.Error())
		}
	}
	log.Info("DATABASE", "✅ Schema is up to date")

	if !*seed {
		return
	}
	svc := discount.NewDiscountService(
		&discount_db.DB{Bun: bunDB},
		kafka.NopPublisher{Logger: log},
		nil,
		log,
		discount.SettingsFromConfig(discountCfg),
		retry.FromConfig(retryCfg),
	)
	if err := svc.Seed(ctx); err != nil {
		log.Fatal("DISCOUNT", fmt.Sprintf("Seeding failed: %v", err))
	}
	log.Info("DISCOUNT", "✅ Discount codes seeded")
}
