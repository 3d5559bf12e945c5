package logger_test

import (
	"bytes"
	"encoding/json"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/relloyd/ogdsync/logger"
)

var _ = Describe("Logger", func() {
	log := logger.NewLogger("ogdsync-test", "debug", true)
	log.SetJSONFormat()

	capture := func(fn func()) map[string]interface{} {
		out := bytes.NewBufferString("")
		log.SetOutput(out)
		fn()
		var actual map[string]interface{}
		_ = json.Unmarshal(out.Bytes(), &actual)
		return actual
	}

	It("should carry the service name", func() {
		actual := capture(func() { log.Info("Testing") })
		Expect(actual["service"]).To(Equal("ogdsync-test"))
		Expect(actual["msg"]).To(Equal("Testing"))
		Expect(actual["level"]).To(Equal("info"))
	})

	It("should log warnings at level warning", func() {
		actual := capture(func() { log.Warn("Testing") })
		Expect(actual["level"]).To(Equal("warning"))
	})

	It("should add a stack trace to errors when stack dumps are on", func() {
		actual := capture(func() { log.Error("Testing") })
		Expect(actual["level"]).To(Equal("error"))
		Expect(actual["stackTrace"]).ToNot(BeNil())
	})

	It("should keep fields added by child loggers", func() {
		child := log.WithField("source", "events").WithField("runId", "abc")
		actual := capture(func() { child.Info("child") })
		Expect(actual["service"]).To(Equal("ogdsync-test"))
		Expect(actual["source"]).To(Equal("events"))
		Expect(actual["runId"]).To(Equal("abc"))
	})
})
