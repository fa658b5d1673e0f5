package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelsWriteWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer InitLogging()

	Infof("Order created - out_trade_no: %s", "plan_monthly_u1_1")
	Warnf("Order missing - out_trade_no: %s", "x")
	Errorf("Activation failed: %v", "boom")

	out := buf.String()
	assert.Contains(t, out, "INFO: Order created - out_trade_no: plan_monthly_u1_1")
	assert.Contains(t, out, "WARN: Order missing - out_trade_no: x")
	assert.Contains(t, out, "ERROR: Activation failed: boom")
}

func TestNilLoggersAreSilent(t *testing.T) {
	InfoLogger, WarnLogger, ErrorLogger = nil, nil, nil
	defer InitLogging()

	assert.NotPanics(t, func() {
		Infof("x")
		Warnf("y")
		Errorf("z")
	})
}
