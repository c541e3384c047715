package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/viva-health/screening/pkg/common/config"
	"github.com/viva-health/screening/pkg/common/database"
	"github.com/viva-health/screening/pkg/common/kafka"
	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/dataset"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/ml/boost"
	"github.com/viva-health/screening/pkg/notify"
	"github.com/viva-health/screening/pkg/screening"
	"github.com/viva-health/screening/pkg/serving/predictor"
	"github.com/viva-health/screening/pkg/storage"
	"github.com/viva-health/screening/pkg/terminology"
	"github.com/viva-health/screening/pkg/training"
)

const (
	gpTrainFile     = "general_train_data.csv"
	gpValidFile     = "general_validation_data.csv"
	quizTrainFile   = "quiz_training_data.csv"
	quizValidFile   = "quiz_validation_data.csv"
	trainingRows    = 12000
	gpHoldout       = 0.3
	quizHoldout     = 0.2
	defaultPatients = 100
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "screening",
		Short: "Breast cancer risk screening toolkit",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init()
		},
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(screenCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(codesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEncoder(cfg *config.Config) (*features.Encoder, error) {
	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		return nil, fmt.Errorf("load terminology catalog: %w", err)
	}
	return features.NewEncoder(catalog), nil
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the synthetic GP snapshot and training sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := signalContext()
			defer cancel()

			patients, _ := cmd.Flags().GetInt("patients")
			seed, _ := cmd.Flags().GetUint64("seed")
			email, _ := cmd.Flags().GetString("email")

			names := dataset.NewNameSource(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel).Names(ctx)
			gen := dataset.NewGenerator(dataset.GeneratorOptions{Seed: seed, Names: names, Email: email})

			snapshot := gen.Patients(patients)
			if err := dataset.WriteFile(cfg.PatientDatasetPath(), func(w io.Writer) error {
				return dataset.WritePatients(w, snapshot)
			}); err != nil {
				return fmt.Errorf("write patient dataset: %w", err)
			}

			records, targets := gen.GPTraining(trainingRows)
			trainRecords, trainTargets, validRecords, validTargets := dataset.Split(seed, records, targets, gpHoldout)
			if err := writeGP(cfg.DatasetPath(gpTrainFile), trainRecords, trainTargets); err != nil {
				return err
			}
			if err := writeGP(cfg.DatasetPath(gpValidFile), validRecords, validTargets); err != nil {
				return err
			}

			answers, multipliers := gen.QuizTraining(trainingRows)
			trainAnswers, trainMultipliers, validAnswers, validMultipliers := dataset.Split(seed, answers, multipliers, quizHoldout)
			if err := writeQuiz(cfg.DatasetPath(quizTrainFile), trainAnswers, trainMultipliers); err != nil {
				return err
			}
			if err := writeQuiz(cfg.DatasetPath(quizValidFile), validAnswers, validMultipliers); err != nil {
				return err
			}

			logger.Log.WithFields(map[string]interface{}{
				"patients":   len(snapshot),
				"gp_train":   len(trainRecords),
				"gp_valid":   len(validRecords),
				"quiz_train": len(trainAnswers),
				"quiz_valid": len(validAnswers),
				"data_dir":   cfg.DataDir,
			}).Info("Datasets generated")
			return nil
		},
	}
	cmd.Flags().Int("patients", defaultPatients, "Number of patients in the GP snapshot")
	cmd.Flags().Uint64("seed", 42, "Random seed")
	cmd.Flags().String("email", "", "Send every generated patient's email to this address")
	return cmd
}

func writeGP(path string, records []models.PatientRecord, targets []float64) error {
	if err := dataset.WriteFile(path, func(w io.Writer) error {
		return dataset.WriteGPTraining(w, records, targets)
	}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeQuiz(path string, answers []models.QuizAnswers, targets []float64) error {
	if err := dataset.WriteFile(path, func(w io.Writer) error {
		return dataset.WriteQuizTraining(w, answers, targets)
	}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "train [gp|quiz]",
		Short:     "Train a risk model from the generated datasets",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{training.ModelGP, training.ModelQuiz},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := signalContext()
			defer cancel()

			encoder, err := newEncoder(cfg)
			if err != nil {
				return err
			}

			var opts []training.Option
			if cfg.DatabaseEnabled {
				db, err := database.GetPostgres(cfg)
				if err != nil {
					return fmt.Errorf("connect to database: %w", err)
				}
				defer database.ClosePostgres()
				repo := training.NewRepository(db)
				if err := repo.AutoMigrate(); err != nil {
					return fmt.Errorf("migrate training jobs: %w", err)
				}
				opts = append(opts, training.WithRepository(repo))
			}
			service, err := training.NewService(cfg.ModelDir, opts...)
			if err != nil {
				return err
			}

			var req training.Request
			switch args[0] {
			case training.ModelGP:
				req, err = gpRequest(cfg, encoder)
			case training.ModelQuiz:
				req, err = quizRequest(cfg, encoder)
			}
			if err != nil {
				return err
			}

			artifact, err := service.Train(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: MAE %.4f  R2 %.4f  -> %s\n",
				artifact.ModelName, artifact.Evaluation.MAE, artifact.Evaluation.R2, artifact.Path)
			return nil
		},
	}
}

func gpRequest(cfg *config.Config, encoder *features.Encoder) (training.Request, error) {
	read := func(name string) (boost.Dataset, error) {
		records, targets, err := readGP(cfg.DatasetPath(name))
		if err != nil {
			return boost.Dataset{}, fmt.Errorf("read %s: %w", name, err)
		}
		return training.GPDataset(encoder, records, targets), nil
	}
	train, err := read(gpTrainFile)
	if err != nil {
		return training.Request{}, err
	}
	test, err := read(gpValidFile)
	if err != nil {
		return training.Request{}, err
	}
	return training.Request{
		ModelType: training.ModelGP,
		ModelName: cfg.GPModelName,
		Train:     train,
		Test:      test,
		Options:   training.GPOptions(),
	}, nil
}

func quizRequest(cfg *config.Config, encoder *features.Encoder) (training.Request, error) {
	read := func(name string) (boost.Dataset, error) {
		answers, targets, err := readQuiz(cfg.DatasetPath(name))
		if err != nil {
			return boost.Dataset{}, fmt.Errorf("read %s: %w", name, err)
		}
		return training.QuizDataset(encoder, answers, targets)
	}
	train, err := read(quizTrainFile)
	if err != nil {
		return training.Request{}, err
	}
	test, err := read(quizValidFile)
	if err != nil {
		return training.Request{}, err
	}
	return training.Request{
		ModelType: training.ModelQuiz,
		ModelName: cfg.QuizModelName,
		Train:     train,
		Test:      test,
		Options:   training.QuizOptions(),
	}, nil
}

type gpRows struct {
	records []models.PatientRecord
	targets []float64
}

func readGP(path string) ([]models.PatientRecord, []float64, error) {
	rows, err := dataset.ReadFile(path, func(r io.Reader) (gpRows, error) {
		records, targets, err := dataset.ReadGPTraining(r)
		return gpRows{records, targets}, err
	})
	return rows.records, rows.targets, err
}

type quizRows struct {
	answers []models.QuizAnswers
	targets []float64
}

func readQuiz(path string) ([]models.QuizAnswers, []float64, error) {
	rows, err := dataset.ReadFile(path, func(r io.Reader) (quizRows, error) {
		answers, targets, err := dataset.ReadQuizTraining(r)
		return quizRows{answers, targets}, err
	})
	return rows.answers, rows.targets, err
}

func screenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "screen",
		Short: "Screen the GP snapshot and write the flagged patients report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := signalContext()
			defer cancel()

			encoder, err := newEncoder(cfg)
			if err != nil {
				return err
			}
			patients, err := storage.NewPatientSnapshot(cfg.PatientDatasetPath()).All()
			if err != nil {
				return err
			}

			var opts []screening.Option
			if cfg.KafkaEnabled {
				producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
				defer producer.Close()
				opts = append(opts, screening.WithPublisher(producer))
			}
			if cfg.DatabaseEnabled {
				db, err := database.GetPostgres(cfg)
				if err != nil {
					return fmt.Errorf("connect to database: %w", err)
				}
				defer database.ClosePostgres()
				rollups := storage.NewRollupWriter(db)
				if err := rollups.AutoMigrate(); err != nil {
					return fmt.Errorf("migrate rollups: %w", err)
				}
				opts = append(opts, screening.WithRollups(rollups))
			}

			runner := screening.NewRunner(encoder, predictor.NewPredictor(cfg.ModelDir), cfg.GPModelName, opts...)
			result, err := runner.Screen(ctx, patients)
			if err != nil {
				return err
			}

			reportPath := cfg.ReportPath()
			if err := screening.WriteReport(reportPath, result.Flagged); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if err := screening.WriteWorkbook(screening.WorkbookPath(reportPath), result.Flagged); err != nil {
				return fmt.Errorf("write workbook: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Screened %d patients, flagged %d -> %s\n",
				result.Screened, len(result.Flagged), reportPath)
			return nil
		},
	}
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Email flagged patients from the report or from screening events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := signalContext()
			defer cancel()

			listen, _ := cmd.Flags().GetBool("listen")

			relay, err := notify.NewSMTPSender(notify.SMTPConfigFrom(cfg), notify.AuthFrom(ctx, cfg))
			if err != nil {
				return err
			}
			sender := notify.NewBreakerSender(relay, cfg.BreakerTrips, cfg.BreakerTimeout)
			notifier := notify.NewNotifier(sender, notify.MessageOptions{
				OverdueDays: cfg.OverdueDays,
				BookingURL:  cfg.BookingURL,
				Signature:   cfg.SMTPFromName,
			})

			if !listen {
				summary, err := notifier.RunReport(ctx, cfg.ReportPath())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %d emails, %d failed (relay circuit %s)\n",
					summary.Sent, summary.Failed, sender.State())
				return nil
			}

			consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
			defer consumer.Close()
			logger.Log.WithFields(map[string]interface{}{
				"topic": cfg.KafkaTopic,
				"group": cfg.KafkaGroupID,
			}).Info("Listening for flagged patients")

			start := time.Now()
			if err := consumer.Consume(ctx, notifier.HandleEvent); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Log.WithFields(map[string]interface{}{
				"uptime":  time.Since(start).String(),
				"circuit": sender.State(),
			}).Info("Notifier stopped")
			return nil
		},
	}
	cmd.Flags().Bool("listen", false, "Consume flagged patient events from Kafka instead of reading the report")
	return cmd
}
