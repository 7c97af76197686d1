package network

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"tachyon-orchestrator/internal/events"
)

// SpeedTestResult contains the results of a network speed test
type SpeedTestResult struct {
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	ServerHost     string  `json:"server_host"`
	ISP            string  `json:"isp"`
	Timestamp      string  `json:"timestamp"`
}

// RunSpeedTest performs a network speed test using the nearest available
// server, with no progress reporting.
func RunSpeedTest() (*SpeedTestResult, error) {
	return RunSpeedTestWithSink(nil)
}

// RunSpeedTestWithSink performs a speed test, publishing a
// SpeedTestPhaseEvent through sink at each phase instead of calling a
// bespoke callback — a caller that wants startup progress on the same SSE
// stream downloads report on just subscribes to the same Bus.
func RunSpeedTestWithSink(sink events.Sink) (*SpeedTestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	emit := func(ev events.SpeedTestPhaseEvent) {
		if sink == nil {
			return
		}
		ev.At = time.Now()
		sink.Publish(events.Event{Kind: events.KindSpeedTestPhase, SpeedTest: &ev})
	}

	emit(events.SpeedTestPhaseEvent{Phase: "connecting"})

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("no internet connection")
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch servers")
	}

	targets, err := serverList.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	emit(events.SpeedTestPhaseEvent{Phase: "ping", ServerName: server.Name, ISP: user.Isp})

	if err := server.PingTestContext(ctx, nil); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out")
		}
		return nil, fmt.Errorf("ping test failed")
	}
	pingMs := int64(server.Latency.Milliseconds())

	emit(events.SpeedTestPhaseEvent{Phase: "download", PingMs: pingMs, ServerName: server.Name, ISP: user.Isp})

	if err := server.DownloadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out during download")
		}
		return nil, fmt.Errorf("download test failed")
	}
	downloadMbps := float64(server.DLSpeed) / 1000 / 1000 * 8

	emit(events.SpeedTestPhaseEvent{Phase: "upload", PingMs: pingMs, DownloadMbps: downloadMbps, ServerName: server.Name, ISP: user.Isp})

	if err := server.UploadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out during upload")
		}
		return nil, fmt.Errorf("upload test failed")
	}
	uploadMbps := float64(server.ULSpeed) / 1000 / 1000 * 8

	result := &SpeedTestResult{
		DownloadSpeed:  downloadMbps,
		UploadSpeed:    uploadMbps,
		Ping:           pingMs,
		Jitter:         int64(server.Jitter.Milliseconds()),
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		ServerHost:     server.Host,
		ISP:            user.Isp,
		Timestamp:      time.Now().Format(time.RFC3339),
	}

	emit(events.SpeedTestPhaseEvent{
		Phase: "complete", PingMs: pingMs, DownloadMbps: downloadMbps, UploadMbps: uploadMbps,
		ServerName: server.Name, ISP: user.Isp,
	})

	return result, nil
}
