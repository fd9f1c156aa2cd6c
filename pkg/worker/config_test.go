package worker

import (
	"testing"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := NewConfig()
	cfg.Job.ExID = "ex1"
	cfg.Job.Operations = []job.OperationConfig{{Op: "range"}}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.ControllerGrpcUri = ""
	assert.ErrorIs(t, cfg.Validate(), utils.ErrInvalidConfig)

	cfg = validConfig()
	cfg.ControllerGrpcUri = "http://controller"
	assert.ErrorIs(t, cfg.Validate(), utils.ErrInvalidConfig)

	cfg = validConfig()
	cfg.Compression = "gzip"
	assert.ErrorIs(t, cfg.Validate(), utils.ErrInvalidConfig)

	cfg = validConfig()
	cfg.Job.ExID = ""
	assert.ErrorIs(t, cfg.Validate(), utils.ErrInvalidConfig)

	cfg = validConfig()
	cfg.ReconnectInterval = 0
	assert.ErrorIs(t, cfg.Validate(), utils.ErrInvalidConfig)

	cfg = validConfig()
	cfg.Job.Operations = nil
	assert.ErrorIs(t, cfg.Validate(), utils.ErrInvalidConfig)
}

func TestConfigDecode(t *testing.T) {
	cfg := NewConfig()
	err := utils.DecodeConfig(map[string]interface{}{
		"controller_grpc_uri": "tcp://ctrl:9091",
		"worker_id":           "w7",
		"reconnect_interval":  "250ms",
		"job": map[string]interface{}{
			"ex_id":       "ex1",
			"max_retries": -1,
			"operations": []interface{}{
				map[string]interface{}{"op": "range", "end": 10},
			},
		},
	}, cfg)
	assert.NoError(t, err)
	assert.Equal(t, "w7", cfg.WorkerID)
	assert.Equal(t, "250ms", cfg.ReconnectInterval.String())
	assert.Equal(t, -1, cfg.Job.MaxRetries)
	assert.Equal(t, 10, cfg.Job.Operations[0].Params["end"])
	assert.NoError(t, cfg.Validate())
}
