// Package harness trains one scoring model at a time with Adam, global-norm
// gradient clipping, plateau learning-rate back-off, early stopping and
// best-checkpoint selection, then evaluates the restored best weights.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/onset/models"
	"github.com/openfluke/onset/nn"
	"github.com/openfluke/onset/sequence"
)

// GradClipNorm is the global L2 bound applied to gradients before every optimizer step
const GradClipNorm = 5.0

// PlateauFactor is the learning-rate multiplier applied on a validation plateau
const PlateauFactor = 0.5

var (
	// ErrNoCheckpoint means training finished without ever saving a checkpoint
	ErrNoCheckpoint = errors.New("no checkpoint was written")
	// ErrSingleClass means ranking metrics were requested on a single-class label set
	ErrSingleClass = errors.New("ranking metrics need both classes")
)

// Config holds configuration for a training run
type Config struct {
	Epochs            int
	BatchSize         int
	LearningRate      float64
	Patience          int // epochs without improvement before stopping
	SchedulerPatience int // epochs without improvement before halving the learning rate
	CheckpointPrefix  string
	WindowSize        int
	EmbedDim          int
	Prefetch          int
	Seed              int64
	Observer          Observer // optional, notified after every epoch
}

// CheckpointFile returns the checkpoint path used for a model
func (c Config) CheckpointFile(modelName string) string {
	return fmt.Sprintf("%s_%s.safetensors", c.CheckpointPrefix, modelName)
}

func (c Config) validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.Patience <= 0 || c.SchedulerPatience <= 0:
		return fmt.Errorf("patience values must be positive, got %d/%d", c.Patience, c.SchedulerPatience)
	case c.CheckpointPrefix == "":
		return errors.New("checkpoint prefix is required")
	}
	return nil
}

// EpochStats is one row of the training history
type EpochStats struct {
	Epoch     int     `json:"epoch" yaml:"epoch"`
	TrainLoss float64 `json:"train_loss" yaml:"train_loss"`
	ValLoss   float64 `json:"val_loss" yaml:"val_loss"`
	LR        float64 `json:"lr" yaml:"lr"`
	GradNorm  float64 `json:"grad_norm" yaml:"grad_norm"` // mean pre-clip norm
	Improved  bool    `json:"improved" yaml:"improved"`
}

// Outcome is everything a finished training run produced
type Outcome struct {
	Result       ModelResult
	Predictions  []SwitchPrediction
	History      []EpochStats
	BestEpoch    int
	BestValLoss  float64
	StoppedEarly bool
	Checkpoint   string
	Duration     time.Duration
	Blueprint    nn.ModelTelemetry
	LRReductions int
}

// Run trains model on train, selects the epoch with the lowest validation loss,
// restores that checkpoint and evaluates it on test.
func Run(model models.ScoringModel, train, val, test []sequence.Window, cfg Config, log logrus.FieldLogger) (*Outcome, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(train) == 0 || len(val) == 0 {
		return nil, fmt.Errorf("%s: need training and validation windows, got %d/%d", model.Name(), len(train), len(val))
	}
	log = log.WithField("model", model.Name())
	start := time.Now()

	trainLoader, err := sequence.NewLoader(train, sequence.LoaderConfig{
		BatchSize: cfg.BatchSize, Size: cfg.WindowSize, Dim: cfg.EmbedDim,
		Prefetch: cfg.Prefetch, Shuffle: true, Seed: cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	valLoader, err := sequence.NewLoader(val, sequence.LoaderConfig{
		BatchSize: cfg.BatchSize, Size: cfg.WindowSize, Dim: cfg.EmbedDim, Prefetch: cfg.Prefetch,
	})
	if err != nil {
		return nil, err
	}

	params := model.Params()
	state := models.State(model)
	opt := nn.NewAdamOptimizer(cfg.LearningRate)
	sched := nn.NewPlateauScheduler(PlateauFactor, cfg.SchedulerPatience)
	path := cfg.CheckpointFile(model.Name())

	out := &Outcome{
		Checkpoint:  path,
		BestValLoss: math.Inf(1),
		Blueprint:   nn.ExtractBlueprint(model.Name(), params),
	}
	saved := false
	noImprove := 0

	log.WithFields(logrus.Fields{
		"params":     out.Blueprint.TotalParams,
		"train":      len(train),
		"val":        len(val),
		"batches":    trainLoader.NumBatches(),
		"optimizer":  opt.Name(),
		"scheduler":  sched.Name(),
		"checkpoint": path,
	}).Info("Starting training")

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		stats := EpochStats{Epoch: epoch, LR: opt.LR()}
		stats.TrainLoss, stats.GradNorm = trainEpoch(model, trainLoader, opt)
		stats.ValLoss = validationLoss(model, valLoader)

		log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train_loss": fmt.Sprintf("%.4f", stats.TrainLoss),
			"val_loss":   fmt.Sprintf("%.4f", stats.ValLoss),
			"lr":         stats.LR,
		}).Infof("Epoch %d/%d", epoch, cfg.Epochs)

		if lr := sched.Step(stats.ValLoss, opt.LR()); lr != opt.LR() {
			log.WithField("epoch", epoch).Infof("Reducing learning rate %.2e -> %.2e", opt.LR(), lr)
			opt.SetLR(lr)
		}

		improved := stats.ValLoss < out.BestValLoss
		if improved {
			stats.Improved = true
			out.BestValLoss = stats.ValLoss
			out.BestEpoch = epoch
			noImprove = 0
			meta := map[string]string{
				"model":    model.Name(),
				"epoch":    strconv.Itoa(epoch),
				"val_loss": strconv.FormatFloat(stats.ValLoss, 'g', -1, 64),
			}
			if err := nn.SaveParams(path, state, meta); err != nil {
				return nil, fmt.Errorf("%s: save checkpoint: %w", model.Name(), err)
			}
			saved = true
			log.WithField("epoch", epoch).Info("Validation loss improved, checkpoint saved")
		} else {
			noImprove++
		}

		out.History = append(out.History, stats)
		if cfg.Observer != nil {
			cfg.Observer.OnEpoch(EpochEvent{
				Model:   model.Name(),
				Stats:   stats,
				Weights: nn.WeightStats(params),
				Grads:   nn.GradStats(params),
			})
		}

		if !improved && noImprove >= cfg.Patience {
			out.StoppedEarly = true
			log.WithField("epoch", epoch).Info("Early stopping triggered")
			break
		}
	}

	if !saved {
		return nil, fmt.Errorf("%s: %w", model.Name(), ErrNoCheckpoint)
	}
	out.LRReductions = sched.Reductions()

	log.WithFields(logrus.Fields{
		"epoch":         out.BestEpoch,
		"lr_reductions": out.LRReductions,
	}).Info("Loading best checkpoint for final evaluation")
	if _, err := nn.LoadParams(path, state); err != nil {
		return nil, fmt.Errorf("%s: reload checkpoint: %w", model.Name(), err)
	}

	result, preds, err := Evaluate(model, test, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: evaluate: %w", model.Name(), err)
	}
	out.Result = result
	out.Predictions = preds
	out.Duration = time.Since(start)

	logResult(log, result)
	return out, nil
}

// trainEpoch runs one shuffled pass and returns the mean batch loss and mean pre-clip gradient norm
func trainEpoch(model models.ScoringModel, loader *sequence.Loader, opt nn.Optimizer) (float64, float64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := model.Params()
	var lossSum, normSum float64
	batches := 0
	for batch := range loader.Epoch(ctx) {
		nn.ZeroGrads(params)
		logits, back := model.Forward(batch.X, batch.Len(), true)
		loss, grad := nn.SoftmaxCrossEntropy(logits, batch.Targets, models.NumClasses)
		back(grad)
		normSum += nn.ClipGradNorm(params, GradClipNorm)
		opt.Step(params)

		lossSum += loss
		batches++
	}
	if batches == 0 {
		return math.NaN(), 0
	}
	return lossSum / float64(batches), normSum / float64(batches)
}

// validationLoss is the mean batch loss over the windows in their fixed order
func validationLoss(model models.ScoringModel, loader *sequence.Loader) float64 {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sum float64
	batches := 0
	for batch := range loader.Epoch(ctx) {
		logits, _ := model.Forward(batch.X, batch.Len(), false)
		loss, _ := nn.SoftmaxCrossEntropy(logits, batch.Targets, models.NumClasses)
		sum += loss
		batches++
	}
	if batches == 0 {
		return math.NaN()
	}
	return sum / float64(batches)
}

func logResult(log logrus.FieldLogger, r ModelResult) {
	fields := logrus.Fields{
		"accuracy":  fmt.Sprintf("%.4f", r.Accuracy),
		"f1":        fmt.Sprintf("%.4f", r.F1),
		"precision": fmt.Sprintf("%.4f", r.Precision),
		"recall":    fmt.Sprintf("%.4f", r.Recall),
		"auroc":     fmt.Sprintf("%.4f", r.AUROC),
		"auprc":     fmt.Sprintf("%.4f", r.AUPRC),
	}
	if r.RankingErr != nil {
		log.WithFields(fields).WithError(r.RankingErr).Warn("Test metrics (ranking metrics undefined)")
		return
	}
	log.WithFields(fields).Info("Test metrics")
}
