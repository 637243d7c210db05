package clickhouse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildDSN(t *testing.T) {
	cfg := ClientConfig{Host: "ch", Port: 9000, Database: "polypulse", User: "u", Password: "p"}
	assert.Equal(t, "clickhouse://u:p@ch:9000/polypulse", buildDSN(cfg))

	cfg.UseHTTP = true
	cfg.Port = 8123
	cfg.DialTimeout = 5 * time.Second
	cfg.MaxExecTime = 30 * time.Second
	cfg.AsyncInsert = true
	cfg.WaitForAsync = true
	assert.Equal(t,
		"http://u:p@ch:8123/polypulse?async_insert=1&dial_timeout=5s&max_execution_time=30&wait_for_async_insert=1",
		buildDSN(cfg))
}

func TestBuildDSNEscapesAndBootstraps(t *testing.T) {
	cfg := ClientConfig{Host: "ch", Port: 9440, Database: "polypulse", User: "u", Password: "p@ss/w", Secure: true, InitSchema: true}
	assert.Equal(t, "clickhouse://u:p%40ss%2Fw@ch:9440/default?secure=true", buildDSN(cfg))
}

func TestBuildDSNSkipsWaitWithoutAsync(t *testing.T) {
	cfg := ClientConfig{Host: "ch", Port: 9000, Database: "d", WaitForAsync: true}
	assert.NotContains(t, buildDSN(cfg), "wait_for_async_insert")
}

func TestSchemaTargetsDatabase(t *testing.T) {
	stmts := Schema("pp")
	assert.Len(t, stmts, 4)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS pp", stmts[0])
	for _, table := range []string{TableCandles1m, TableDecisions, TablePredictions} {
		found := false
		for _, s := range stmts[1:] {
			if strings.Contains(s, "pp."+table+" (") {
				found = true
			}
		}
		assert.True(t, found, table)
	}
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient(WithPort(9000))
	assert.Error(t, err)
}
