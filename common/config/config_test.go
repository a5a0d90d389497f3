package config

import (
	"os"
	"testing"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	os.Setenv("QDB_HOST", "db.internal")
	os.Setenv("QDB_PORT", "6543")
	os.Setenv("QDB_NAME", "queue")
	os.Setenv("QDB_MAX_CONNS", "not-a-number")
	defer func() {
		os.Unsetenv("QDB_HOST")
		os.Unsetenv("QDB_PORT")
		os.Unsetenv("QDB_NAME")
		os.Unsetenv("QDB_MAX_CONNS")
	}()

	cfg := DefaultDatabaseConfig()
	cfg.LoadFromEnv("QDB")

	if cfg.Host != "db.internal" {
		t.Errorf("Expected host 'db.internal', got '%s'", cfg.Host)
	}
	if cfg.Port != 6543 {
		t.Errorf("Expected port 6543, got %d", cfg.Port)
	}
	if cfg.Database != "queue" {
		t.Errorf("Expected database 'queue', got '%s'", cfg.Database)
	}
	if cfg.MaxConns != 20 {
		t.Errorf("Expected invalid max conns to keep default 20, got %d", cfg.MaxConns)
	}

	want := "host=db.internal port=6543 user=postgres password= dbname=queue sslmode=disable"
	if got := cfg.GetDSN(); got != want {
		t.Errorf("Expected DSN '%s', got '%s'", want, got)
	}
}

func TestMQTTConfig_LoadFromEnv(t *testing.T) {
	os.Setenv("QMQTT_BROKER", "tcp://broker:1883")
	os.Setenv("QMQTT_QOS", "1")
	defer func() {
		os.Unsetenv("QMQTT_BROKER")
		os.Unsetenv("QMQTT_QOS")
	}()

	cfg := MQTTConfig{ClientID: "waitless"}
	cfg.LoadFromEnv("QMQTT")

	if cfg.Broker != "tcp://broker:1883" {
		t.Errorf("Expected broker 'tcp://broker:1883', got '%s'", cfg.Broker)
	}
	if cfg.QoS != 1 {
		t.Errorf("Expected QoS 1, got %d", cfg.QoS)
	}
	if cfg.ClientID != "waitless" {
		t.Errorf("Expected client id to be kept, got '%s'", cfg.ClientID)
	}
}
