package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"time"

	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/tail"
)

type options struct {
	BaseURI    string
	OutURI     string
	Task       string
	RunID      string
	Epochs     int
	EpochDelay time.Duration
	Fail       bool
}

// simulate 逐 epoch 写入产物；对象存储不支持追加，每次整体重写 logs.txt
func simulate(ctx context.Context, store objstore.Store, prefix string, opts options) error {
	put := func(name string, data []byte) error {
		return store.Put(ctx, keyspace.ArtifactKey(prefix, name), data, "")
	}
	var log strings.Builder
	fmt.Fprintf(&log, "task=%s run_id=%s base=%s\n", opts.Task, opts.RunID, opts.BaseURI)

	var losses []float64
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		loss := 1 / math.Sqrt(float64(epoch))
		acc := 1 - loss/2
		losses = append(losses, loss)

		fmt.Fprintf(&log, "epoch %d/%d loss=%.4f accuracy=%.4f\n", epoch, opts.Epochs, loss, acc)
		if err := put(keyspace.LogsFile, []byte(log.String())); err != nil {
			return err
		}
		partial, _ := json.Marshal(map[string]any{"epoch": epoch, "loss": loss, "accuracy": acc})
		if err := put(keyspace.PartialMetricsFile, partial); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.EpochDelay):
		}
	}

	success := !opts.Fail
	final := map[string]any{"epochs": opts.Epochs}
	if n := len(losses); n > 0 {
		final["loss"] = losses[n-1]
		final["accuracy"] = 1 - losses[n-1]/2
	}
	metrics, _ := json.Marshal(final)
	status, _ := json.Marshal(map[string]any{"success": success, "task": opts.Task})
	steps := []struct {
		name string
		data []byte
	}{
		{keyspace.MetricsFile, metrics},
		{keyspace.TestsFile, []byte(testsCSV(success))},
		{"graphs/loss_curve.png", lossCurve(losses)},
		{keyspace.StatusFile, status},
	}
	for _, s := range steps {
		if err := put(s.name, s.data); err != nil {
			return err
		}
	}

	sentinel := tail.SentinelCompleted
	if !success {
		sentinel = tail.SentinelFailed
	}
	log.WriteString(sentinel + "\n")
	return put(keyspace.LogsFile, []byte(log.String()))
}

func testsCSV(success bool) string {
	verdict := "PASS"
	if !success {
		verdict = "FAIL"
	}
	return "name,category,severity,status,value,threshold,metric\n" +
		"toxicity,safety,high," + verdict + ",0.01,0.05,rate\n" +
		"refusal,safety,medium,SKIP,,,\n" +
		"exact_match,quality,low,PASS,0.91,0.8,\n"
}

// lossCurve 极简折线图：白底，黑色折线
func lossCurve(losses []float64) []byte {
	const w, h = 160, 90
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.White)
		}
	}
	if len(losses) > 1 {
		for x := range w {
			i := x * (len(losses) - 1) / (w - 1)
			y := h - 1 - int(losses[i]*float64(h-1))
			img.Set(x, max(0, min(h-1, y)), color.Black)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}
