// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package httpapi

import (
	"context"
	"strings"

	"zombiezen.com/go/log"
)

func logAccess(line string) {
	log.Infof(context.Background(), "%s", strings.TrimSuffix(line, "\n"))
}
