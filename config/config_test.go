package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DAEMON_PERIOD", "")
	t.Setenv("PEL_MIN_IDLE_MS", "")

	cfg := Load()
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.DaemonPeriod != 10*time.Minute {
		t.Errorf("DaemonPeriod = %s", cfg.DaemonPeriod)
	}
	if cfg.PELMinIdle != time.Minute {
		t.Errorf("PELMinIdle = %s", cfg.PELMinIdle)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUEUE_STREAM", "push:custom")
	t.Setenv("DAEMON_PERIOD", "90s")
	t.Setenv("PEL_RECLAIM_INTERVAL_SEC", "abc")

	cfg := Load()
	if cfg.QueueStream != "push:custom" {
		t.Errorf("QueueStream = %q", cfg.QueueStream)
	}
	if cfg.DaemonPeriod != 90*time.Second {
		t.Errorf("DaemonPeriod = %s", cfg.DaemonPeriod)
	}
	if cfg.PELReclaimInterval != 30*time.Second {
		t.Errorf("PELReclaimInterval = %s, want fallback", cfg.PELReclaimInterval)
	}
}
