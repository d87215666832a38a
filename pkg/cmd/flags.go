package cmd

import (
	"github.com/dukex/genflow/pkg/config"
	"github.com/dukex/genflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are the backend and logging flags every genflow binary accepts.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or file://...)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "queue-url",
			Usage:   "Queue broker URL (redis://... or memory)",
			Value:   "memory",
			Sources: cli.EnvVars("QUEUE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers for the kafka event bus",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML configuration file",
			Sources: cli.EnvVars("GENFLOW_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// OptionsFromCommand sets up logging and reads the common flags of command.
func OptionsFromCommand(command *cli.Command, serviceName string) (Options, error) {
	log.Setup(command.String("log-level"), command.String("log-format"))

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return Options{}, err
	}

	return Options{
		ServiceName:  serviceName,
		DatabaseURL:  command.String("database-url"),
		QueueURL:     command.String("queue-url"),
		EventBus:     command.String("event-bus"),
		KafkaBrokers: command.String("kafka-brokers"),
		Config:       cfg,
	}, nil
}
