package docker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"v2raybridge/internal/metrics"
)

// containerSpec describes the V2Ray container to create.
type containerSpec struct {
	Name   string
	Image  string
	Env    []string
	HostIP string
	Ports  []int
	Labels map[string]string
}

// containerRuntime is the slice of the Docker API the engine uses.
type containerRuntime interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, spec containerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// State reports whether the container runs and, if not, its exit code.
	State(ctx context.Context, id string) (running bool, exitCode int, err error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	// NetworkCounters returns cumulative received and transmitted bytes.
	NetworkCounters(ctx context.Context, id string) (rx, tx uint64, err error)
	Remove(ctx context.Context, id string) error
}

// Команда контейнера: конфиг приходит через переменную окружения
var coreCommand = []string{
	"/bin/sh", "-c",
	`printf '%s' "$V2RAY_CONFIG" > /tmp/config.json && exec v2ray run -c /tmp/config.json`,
}

type dockerRuntime struct {
	cli *client.Client
	cb  *gobreaker.CircuitBreaker
}

func newDockerRuntime(cli *client.Client) *dockerRuntime {
	return &dockerRuntime{
		cli: cli,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "docker-api",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Printf("Circuit breaker '%s' changed from %s to %s", name, from, to)
			},
		}),
	}
}

// call runs one Docker API request through the breaker and counts it.
func (r *dockerRuntime) call(op string, fn func() (any, error)) (any, error) {
	res, err := r.cb.Execute(fn)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.DockerAPIRequestsTotal.WithLabelValues(op, status).Inc()
	return res, err
}

func (r *dockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, err := r.call("image_pull", func() (any, error) {
		rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		// pull завершается только после вычитывания прогресса
		_, err = io.Copy(io.Discard, rc)
		return nil, err
	})
	return errors.Wrapf(err, "pull image %s", ref)
}

func (r *dockerRuntime) Create(ctx context.Context, spec containerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: spec.HostIP, HostPort: strconv.Itoa(p)}}
	}

	res, err := r.call("container_create", func() (any, error) {
		return r.cli.ContainerCreate(ctx, &container.Config{
			Image:        spec.Image,
			Entrypoint:   coreCommand[:1],
			Cmd:          coreCommand[1:],
			Env:          spec.Env,
			ExposedPorts: exposed,
			Labels:       spec.Labels,
		}, &container.HostConfig{
			PortBindings: bindings,
			AutoRemove:   false,
		}, nil, nil, spec.Name)
	})
	if err != nil {
		return "", errors.Wrapf(err, "create container %s", spec.Name)
	}
	return res.(container.CreateResponse).ID, nil
}

func (r *dockerRuntime) Start(ctx context.Context, id string) error {
	_, err := r.call("container_start", func() (any, error) {
		return nil, r.cli.ContainerStart(ctx, id, container.StartOptions{})
	})
	return errors.Wrapf(err, "start container %s", id)
}

func (r *dockerRuntime) State(ctx context.Context, id string) (bool, int, error) {
	res, err := r.call("container_inspect", func() (any, error) {
		return r.cli.ContainerInspect(ctx, id)
	})
	if err != nil {
		return false, 0, errors.Wrapf(err, "inspect container %s", id)
	}
	info := res.(container.InspectResponse)
	if info.State == nil {
		return false, 0, errors.Errorf("container %s has no state", id)
	}
	return info.State.Running, info.State.ExitCode, nil
}

func (r *dockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	res, err := r.call("container_logs", func() (any, error) {
		logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       strconv.Itoa(tail),
		})
		if err != nil {
			return nil, err
		}
		defer logs.Close()
		buf := new(strings.Builder)
		if _, err := stdcopy.StdCopy(buf, buf, logs); err != nil {
			return nil, err
		}
		return buf.String(), nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "read logs of container %s", id)
	}
	return res.(string), nil
}

func (r *dockerRuntime) NetworkCounters(ctx context.Context, id string) (uint64, uint64, error) {
	res, err := r.call("container_stats", func() (any, error) {
		stats, err := r.cli.ContainerStatsOneShot(ctx, id)
		if err != nil {
			return nil, err
		}
		defer stats.Body.Close()
		var body container.StatsResponse
		if err := json.NewDecoder(stats.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		return 0, 0, errors.Wrapf(err, "read stats of container %s", id)
	}
	var rx, tx uint64
	for _, n := range res.(container.StatsResponse).Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx, nil
}

// Remove останавливает и удаляет контейнер; при неудачной остановке удаляет принудительно
func (r *dockerRuntime) Remove(ctx context.Context, id string) error {
	_, stopErr := r.call("container_stop", func() (any, error) {
		return nil, r.cli.ContainerStop(ctx, id, container.StopOptions{})
	})
	if stopErr != nil {
		log.Printf("DockerEngine: failed to stop container %s: %v, attempting force removal", id, stopErr)
	}
	_, err := r.call("container_remove", func() (any, error) {
		return nil, r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: stopErr != nil})
	})
	return errors.Wrapf(err, "remove container %s", id)
}
