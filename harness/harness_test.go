package harness

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/onset/models"
	"github.com/openfluke/onset/nn"
	"github.com/openfluke/onset/sequence"
)

// scriptedModel records the training epoch in its only weight and reports a
// scripted validation loss for that epoch.
type scriptedModel struct {
	w       *nn.Param
	epoch   int
	valLoss []float64
}

func newScriptedModel(valLoss []float64) *scriptedModel {
	return &scriptedModel{w: nn.NewParam("w", 1), valLoss: valLoss}
}

func (m *scriptedModel) Name() string        { return "Scripted" }
func (m *scriptedModel) Params() []*nn.Param { return []*nn.Param{m.w} }

func (m *scriptedModel) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	logits := make([]float32, batch*models.NumClasses)
	if training {
		m.epoch++
		m.w.Data[0] = float32(m.epoch)
	} else if m.epoch >= 1 && m.epoch <= len(m.valLoss) {
		// CE with target 0 of logits [0, b] is log(1 + e^b)
		l := m.valLoss[m.epoch-1]
		for i := 0; i < batch; i++ {
			logits[i*2+1] = float32(math.Log(math.Exp(l) - 1))
		}
	}
	return logits, func(g []float32) []float32 { return make([]float32, len(x)) }
}

func windowsOf(n, target int) []sequence.Window {
	out := make([]sequence.Window, n)
	for i := range out {
		out[i] = sequence.Window{PatientID: "p", LocalIndex: i, Target: target}
	}
	return out
}

func testConfig(t *testing.T) Config {
	return Config{
		Epochs:            20,
		BatchSize:         4,
		LearningRate:      1e-3,
		Patience:          3,
		SchedulerPatience: 2,
		CheckpointPrefix:  filepath.Join(t.TempDir(), "best_model"),
		WindowSize:        2,
		EmbedDim:          3,
		Prefetch:          1,
		Seed:              42,
	}
}

func TestRunStopsEarlyAndRestoresBest(t *testing.T) {
	log, hook := test.NewNullLogger()
	m := newScriptedModel([]float64{1.0, 0.8, 0.6, 0.7, 0.9, 0.65, 0.5, 0.4})

	out, err := Run(m, windowsOf(1, 0), windowsOf(1, 0), windowsOf(2, 0), testConfig(t), log)
	require.NoError(t, err)

	// Best at epoch 3, halted at 3 + patience
	assert.Equal(t, 3, out.BestEpoch)
	assert.True(t, out.StoppedEarly)
	assert.Len(t, out.History, 6)
	assert.InDelta(t, 0.6, out.BestValLoss, 1e-5)
	// Weights come from the epoch-3 checkpoint, not the last epoch
	assert.Equal(t, float32(3), m.w.Data[0])
	assert.FileExists(t, out.Checkpoint)

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "Early stopping triggered")
	assert.Contains(t, messages, "Loading best checkpoint for final evaluation")
}

// bufferedModel also mirrors the epoch into an untrained buffer
type bufferedModel struct {
	*scriptedModel
	buf *nn.Param
}

func (m *bufferedModel) Buffers() []*nn.Param { return []*nn.Param{m.buf} }

func (m *bufferedModel) Forward(x []float32, batch int, training bool) ([]float32, nn.Backward) {
	logits, back := m.scriptedModel.Forward(x, batch, training)
	if training {
		m.buf.Data[0] = float32(10 * m.epoch)
	}
	return logits, back
}

func TestRunRestoresBuffersFromCheckpoint(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Epochs = 3
	m := &bufferedModel{
		scriptedModel: newScriptedModel([]float64{0.9, 0.5, 0.7}),
		buf:           nn.NewParam("running", 1),
	}

	out, err := Run(m, windowsOf(1, 0), windowsOf(1, 0), windowsOf(1, 0), cfg, log)
	require.NoError(t, err)
	assert.Equal(t, 2, out.BestEpoch)
	assert.Equal(t, float32(2), m.w.Data[0])
	assert.Equal(t, float32(20), m.buf.Data[0])

	tensors, _, err := nn.LoadSafetensors(out.Checkpoint)
	require.NoError(t, err)
	assert.Contains(t, tensors, "running")
}

func TestRunExhaustsEpochs(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Epochs = 4
	m := newScriptedModel([]float64{0.9, 0.8, 0.7, 0.6})

	out, err := Run(m, windowsOf(1, 0), windowsOf(1, 0), windowsOf(1, 0), cfg, log)
	require.NoError(t, err)
	assert.False(t, out.StoppedEarly)
	assert.Equal(t, 4, out.BestEpoch)
	assert.Len(t, out.History, 4)
	for _, h := range out.History {
		assert.True(t, h.Improved)
	}
	assert.Equal(t, "Scripted", out.Result.Model)
}

func TestRunHalvesLearningRateOnPlateau(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Patience = 10
	cfg.Epochs = 5
	m := newScriptedModel([]float64{0.5, 0.6, 0.6, 0.6, 0.6})

	out, err := Run(m, windowsOf(1, 0), windowsOf(1, 0), windowsOf(1, 0), cfg, log)
	require.NoError(t, err)
	lrs := make([]float64, len(out.History))
	for i, h := range out.History {
		lrs[i] = h.LR
	}
	// Epochs 2 and 3 fail to improve, so epoch 4 trains at half the rate
	assert.Equal(t, []float64{1e-3, 1e-3, 1e-3, 5e-4, 5e-4}, lrs)
	assert.Equal(t, 2, out.LRReductions)
}

func TestRunWithoutCheckpoint(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := newScriptedModel([]float64{math.NaN(), math.NaN(), math.NaN()})

	_, err := Run(m, windowsOf(1, 0), windowsOf(1, 0), windowsOf(1, 0), testConfig(t), log)
	assert.True(t, errors.Is(err, ErrNoCheckpoint))
}

func TestRunRejectsEmptySplits(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := Run(newScriptedModel(nil), windowsOf(1, 0), nil, windowsOf(1, 0), testConfig(t), log)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Epochs = 0
	_, err = Run(newScriptedModel(nil), windowsOf(1, 0), windowsOf(1, 0), windowsOf(1, 0), cfg, log)
	assert.Error(t, err)
}

func TestEvaluateTiesGoToClassZero(t *testing.T) {
	m := newScriptedModel(nil)
	windows := append(windowsOf(2, 0), windowsOf(3, 1)...)
	for i := range windows {
		windows[i].LocalIndex = i
	}

	result, preds, err := Evaluate(m, windows, testConfig(t))
	require.NoError(t, err)
	require.Len(t, preds, 5)
	for i, p := range preds {
		assert.Equal(t, i, p.LocalIndex)
		assert.Equal(t, 0, p.PredLabel)
		assert.InDelta(t, 0.5, p.Score, 1e-6)
	}
	assert.InDelta(t, 0.4, result.Accuracy, 1e-9)
	assert.Zero(t, result.Precision)
	assert.Zero(t, result.F1)
	assert.Equal(t, 3, result.Positives)
}

// separableWindows labels a window 1 when the first feature of its last visit is positive
func separableWindows(n int, seed int64) []sequence.Window {
	rng := rand.New(rand.NewSource(seed))
	out := make([]sequence.Window, n)
	for i := range out {
		v := float32(rng.Float64()*2 - 1)
		if math.Abs(float64(v)) < 0.1 {
			v *= 5
		}
		target := 0
		if v > 0 {
			target = 1
		}
		out[i] = sequence.Window{
			PatientID:  "p",
			LocalIndex: i,
			Target:     target,
			Context:    [][]float32{{0.1, 0.2, 0}, {v, -v, 0.5}},
		}
	}
	return out
}

func TestRunLearnsSeparableProblem(t *testing.T) {
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	cfg := testConfig(t)
	cfg.Epochs = 40
	cfg.Patience = 40
	cfg.BatchSize = 16
	cfg.LearningRate = 0.05

	spec := models.Spec{WindowSize: 2, EmbedDim: 3, HiddenDim: 8, NumLayers: 2, Seed: 3}
	m, err := models.Build(models.MLP, spec, models.Capabilities{})
	require.NoError(t, err)

	data := separableWindows(96, 1)
	out, err := Run(m, data[:64], data[64:80], data[80:], cfg, log)
	require.NoError(t, err)

	assert.Less(t, out.BestValLoss, out.History[0].ValLoss)
	assert.GreaterOrEqual(t, out.Result.Accuracy, 0.85)
	assert.NoError(t, out.Result.RankingErr)
	assert.Greater(t, out.Result.AUROC, 0.9)
}

func TestRunSuiteSkipsUnavailableModels(t *testing.T) {
	log, hook := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Epochs = 2

	spec := models.Spec{WindowSize: 2, EmbedDim: 3, HiddenDim: 4, NumLayers: 1, Seed: 1, TCNKernel: 2, Heads: 1, FFDim: 4}
	data := separableWindows(24, 2)
	w := Windows{Train: data[:12], Val: data[12:18], Test: data[18:]}

	res := RunSuite([]string{models.MLP, models.NeuralODE}, spec, models.Capabilities{}, w, cfg, log)
	assert.Equal(t, []string{models.MLP}, res.Order)
	assert.Contains(t, res.Skipped, models.NeuralODE)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Results(), 1)
	assert.Equal(t, models.MLP, res.Results()[0].Model)

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["model"] == models.NeuralODE {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRunNotifiesObserver(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Epochs = 3
	obs := &recordingObserver{}
	cfg.Observer = obs
	m := newScriptedModel([]float64{0.9, 0.8, 0.85})

	_, err := Run(m, windowsOf(1, 0), windowsOf(1, 0), windowsOf(1, 0), cfg, log)
	require.NoError(t, err)

	events := obs.events
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, "Scripted", e.Model)
		assert.Equal(t, i+1, e.Stats.Epoch)
		require.Len(t, e.Weights, 1)
		assert.Equal(t, "w", e.Weights[0].Name)
		assert.Equal(t, float32(i+1), e.Weights[0].Mean)
		assert.Equal(t, "w.grad", e.Grads[0].Name)
	}
	assert.False(t, events[2].Stats.Improved)
}

type recordingObserver struct {
	events []EpochEvent
}

func (o *recordingObserver) OnEpoch(event EpochEvent) {
	o.events = append(o.events, event)
}

func TestLogObserverWritesDebugEntries(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	obs := &LogObserver{Log: log}
	obs.OnEpoch(EpochEvent{
		Model:   "MLP",
		Stats:   EpochStats{Epoch: 2},
		Weights: []nn.TensorStats{{Name: "fc1.weight", Mean: 0.1}, {Name: "fc1.bias"}},
		Grads:   []nn.TensorStats{{Name: "fc1.weight.grad", Max: 2}},
	})
	require.Len(t, hook.AllEntries(), 2)
	first := hook.AllEntries()[0]
	assert.Equal(t, logrus.DebugLevel, first.Level)
	assert.Equal(t, "fc1.weight", first.Data["param"])
	assert.Equal(t, float32(2), first.Data["grad_max"])
	assert.NotContains(t, hook.AllEntries()[1].Data, "grad_max")
}
