package predictor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/ml/boost"
	"github.com/viva-health/screening/pkg/observability/metrics"
)

var ErrModelNotFound = errors.New("model artifact not found")

// Predictor is a shared handle on the model artifacts in one directory.
// A parsed model is reused until its file's modification time changes.
type Predictor struct {
	dir   string
	cache map[string]cachedModel
	mu    sync.RWMutex
}

type cachedModel struct {
	model   *boost.Model
	modTime time.Time
}

func NewPredictor(dir string) *Predictor {
	return &Predictor{
		dir:   dir,
		cache: make(map[string]cachedModel),
	}
}

// Path is where the artifact for a model name lives.
func (p *Predictor) Path(name string) string {
	return filepath.Join(p.dir, name+".json")
}

func (p *Predictor) Predict(name string, features []float64) (float64, error) {
	model, err := p.Model(name)
	if err != nil {
		return 0, err
	}
	return model.Predict(features)
}

func (p *Predictor) PredictBatch(name string, rows [][]float64) ([]float64, error) {
	model, err := p.Model(name)
	if err != nil {
		return nil, err
	}
	return model.PredictBatch(rows)
}

func (p *Predictor) Model(name string) (*boost.Model, error) {
	cached, err := p.load(name)
	if err != nil {
		return nil, err
	}
	return cached.model, nil
}

// Version reports the modification time of the artifact currently served.
func (p *Predictor) Version(name string) (time.Time, error) {
	cached, err := p.load(name)
	if err != nil {
		return time.Time{}, err
	}
	return cached.modTime, nil
}

// Invalidate drops a cached model so the next call reads it again.
func (p *Predictor) Invalidate(name string) {
	p.mu.Lock()
	delete(p.cache, name)
	p.mu.Unlock()
}

func (p *Predictor) load(name string) (cachedModel, error) {
	path := p.Path(name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cachedModel{}, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return cachedModel{}, err
	}
	mod := info.ModTime()

	p.mu.RLock()
	cached, ok := p.cache[name]
	p.mu.RUnlock()
	if ok && cached.modTime.Equal(mod) {
		return cached, nil
	}

	model, err := boost.Load(path)
	if err != nil {
		return cachedModel{}, fmt.Errorf("load model %s: %w", name, err)
	}
	cached = cachedModel{model: model, modTime: mod}
	p.mu.Lock()
	p.cache[name] = cached
	p.mu.Unlock()

	metrics.ObserveModelReload(name)
	logger.Log.WithFields(map[string]interface{}{
		"model": name,
		"trees": len(model.Trees),
	}).Info("Model artifact loaded")
	return cached, nil
}
