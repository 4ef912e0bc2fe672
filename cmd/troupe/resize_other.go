//go:build !unix

package main

import (
	"context"

	"github.com/ShayCichocki/troupe/internal/process"
)

func forwardResize(context.Context, *process.Manager, int) func() { return func() {} }
