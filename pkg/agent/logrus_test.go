package agent

import (
	"io"

	"github.com/sirupsen/logrus"
)

func logrusQuiet() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
