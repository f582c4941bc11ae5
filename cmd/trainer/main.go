package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/loader"
)

var (
	dataPath      = flag.String("data", "", "Arrow IPC dataset with features and labels columns (default: synthetic)")
	writeData     = flag.String("write-data", "", "Write the synthetic dataset as Arrow IPC to this path and exit")
	task          = flag.String("task", "sine", "Synthetic task (linear, sine)")
	samples       = flag.Int("samples", 4096, "Number of synthetic samples")
	features      = flag.Int("features", 8, "Number of synthetic features")
	testFraction  = flag.Float64("test-fraction", 0.2, "Fraction of samples held out for testing")
	reportPath    = flag.String("report", "", "Write the CBOR training report to this path")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of rows predicted concurrently")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	debug         = flag.Bool("debug", false, "Log every test evaluation")

	layers         = flag.String("layers", "16,1", "Comma separated layer widths; the last must match the label width")
	activation     = flag.String("activation", "", "Hidden layer activation (identity, relu, sigmoid, tanh, symmrelu, softsign, gauss)")
	lossName       = flag.String("loss", "", "Loss function (mse, crossentropy)")
	regularization = flag.String("regularization", "", "Weight penalty (none, l1, l2)")
	weightDecay    = flag.Float64("weight-decay", 0, "Weight penalty factor")
	initialization = flag.String("init", "", "Weight initialization (gauss, uniform, identity, zero)")
	keepProb       = flag.Float64("keep-prob", 1, "Dropout keep probability of layer inputs")

	learningRate     = flag.Float64("lr", 0, "Learning rate (default 0.001)")
	momentum         = flag.Float64("momentum", 0, "Momentum")
	batchSize        = flag.Int("batch", 0, "Batch size (default 32)")
	convergenceSteps = flag.Int("convergence-steps", 0, "Epochs without improvement before stopping (default 100)")
	testInterval     = flag.Int("test-interval", 0, "Epochs between test evaluations (default 7)")
	maxEpochs        = flag.Int("max-epochs", 0, "Maximum number of epochs (0 = until convergence)")
	noShuffle        = flag.Bool("no-shuffle", false, "Keep the sample order within epochs")
	seed             = flag.Uint64("seed", 1, "Random seed")

	dataStreams    = flag.Int("data-streams", 0, "Number of transfer streams (default 5)")
	computeStreams = flag.Int("compute-streams", 0, "Number of compute streams (default 1)")
	deviceStreams  = flag.Int("streams", 0, "Number of device streams (default data + compute streams)")
	workers        = flag.Int("workers", 0, "Kernel worker goroutines (default NumCPU)")
	flagMaxMemory  = flag.String("max-memory", "0", "Device memory limit (e.g. 4GB, 512MB; 0 = unlimited)")
)

// trainingConfig applies the flags to the defaults.
func trainingConfig() (config.Training, error) {
	cfg := config.Default()

	widths, err := config.ParseLayers(*layers)
	if err != nil {
		return cfg, err
	}
	cfg.Layers = widths
	limit, err := config.ParseBytes(*flagMaxMemory)
	if err != nil {
		return cfg, err
	}
	cfg.MemoryLimit = limit

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setString(&cfg.Activation, *activation)
	setString(&cfg.Loss, *lossName)
	setString(&cfg.Regularization, *regularization)
	setString(&cfg.Initialization, *initialization)
	setInt(&cfg.BatchSize, *batchSize)
	setInt(&cfg.ConvergenceSteps, *convergenceSteps)
	setInt(&cfg.TestInterval, *testInterval)
	setInt(&cfg.DataStreams, *dataStreams)
	setInt(&cfg.ComputeStreams, *computeStreams)
	setInt(&cfg.Workers, *workers)
	if *learningRate != 0 {
		cfg.LearningRate = *learningRate
	}

	cfg.WeightDecay = *weightDecay
	cfg.KeepProb = *keepProb
	cfg.Momentum = *momentum
	cfg.MaxEpochs = *maxEpochs
	cfg.Shuffle = !*noShuffle
	cfg.Seed = *seed
	cfg.DeviceStreams = cfg.DataStreams + cfg.ComputeStreams
	setInt(&cfg.DeviceStreams, *deviceStreams)

	return cfg, cfg.Validate()
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := trainingConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var src loader.Source
	if *dataPath != "" {
		if src, err = readDataset(*dataPath); err != nil {
			log.Fatal().Err(err).Str("path", *dataPath).Msg("Failed to read dataset")
		}
	} else {
		x, y, err := synthetic(*task, *samples, *features, cfg.Seed)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate dataset")
		}
		if *writeData != "" {
			if err := writeDataset(*writeData, x, y); err != nil {
				log.Fatal().Err(err).Str("path", *writeData).Msg("Failed to write dataset")
			}
			log.Info().Str("path", *writeData).Int("samples", *samples).Msg("Wrote dataset")
			return
		}
		if src, err = loader.NewMatrixSource(x, y); err != nil {
			log.Fatal().Err(err).Msg("Failed to wrap dataset")
		}
	}

	train, test, err := loader.Split(src, *testFraction)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to split dataset")
	}

	r, err := newRun(cfg, src.InputWidth(), src.OutputWidth())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up training")
	}
	defer r.Close()

	if *listenAddr != "" {
		go startServer(*listenAddr, r, *maxConcurrent)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Train(ctx, train, test); err != nil {
		log.Error().Err(err).Msg("Training failed")
	}
	rep := r.Report()
	log.Info().
		Str("state", rep.State).
		Int("epochs", rep.Epochs).
		Float64("minimum_error", rep.MinimumError).
		Int64("elapsed_ms", rep.ElapsedMillis).
		Msg("Training complete")

	if *reportPath != "" {
		if err := writeReport(*reportPath, rep); err != nil {
			log.Warn().Err(err).Str("path", *reportPath).Msg("Failed to write report")
		}
	}

	if rep.State == StateDone {
		logSamplePredictions(ctx, r, test)
	}

	if *listenAddr != "" && ctx.Err() == nil {
		log.Info().Msg("Serving predictions, interrupt to exit")
		<-ctx.Done()
	}
}

func writeReport(path string, rep Report) error {
	data, err := cbor.Marshal(rep)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// logSamplePredictions logs the first few test predictions next to their
// targets.
func logSamplePredictions(ctx context.Context, r *run, test loader.Source) {
	n := min(test.Len(), 4)
	x := mat.NewDense(n, test.InputWidth(), nil)
	y := mat.NewDense(n, test.OutputWidth(), nil)
	in := make([]float64, test.InputWidth())
	out := make([]float64, test.OutputWidth())
	for i := 0; i < n; i++ {
		test.Sample(i, in, out)
		x.SetRow(i, in)
		y.SetRow(i, out)
	}
	pred, err := r.Predict(ctx, x)
	if err != nil {
		log.Warn().Err(err).Msg("Prediction failed")
		return
	}
	for i := 0; i < n; i++ {
		log.Info().
			Floats64("target", y.RawRowView(i)).
			Floats64("prediction", pred.RawRowView(i)).
			Msg("Sample prediction")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-trainer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
