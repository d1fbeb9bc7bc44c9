package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tebeka/selenium"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// DockerConfig configures containerised drivers
type DockerConfig struct {
	Images        map[models.EngineKind]string
	DriverPort    int
	SocketDir     string
	NamePrefix    string
	Browser       BrowserOptions
	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	ImplicitWait  time.Duration
}

// DockerProvisioner runs each engine in its own container that renders into
// the host display through the bind mounted X socket directory
type DockerProvisioner struct {
	client *client.Client
	cfg    DockerConfig
	logger logrus.FieldLogger
	open   remoteFunc
}

// NewDockerProvisioner connects to the docker daemon from the environment
func NewDockerProvisioner(cfg DockerConfig, logger logrus.FieldLogger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.DriverPort == 0 {
		cfg.DriverPort = 4444
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/tmp/.X11-unix"
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "uiregress"
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	return &DockerProvisioner{client: cli, cfg: cfg, logger: logger, open: selenium.NewRemote}, nil
}

func (p *DockerProvisioner) imageFor(kind models.EngineKind) (string, error) {
	img, ok := p.cfg.Images[kind]
	if !ok || img == "" {
		return "", fmt.Errorf("%w: no image for %q", ErrUnsupported, kind)
	}
	return img, nil
}

func (p *DockerProvisioner) containerConfig(kind models.EngineKind, img, display string) (*container.Config, *container.HostConfig) {
	driverPort := nat.Port(strconv.Itoa(p.cfg.DriverPort) + "/tcp")

	containerConfig := &container.Config{
		Image: img,
		Labels: map[string]string{
			"managed-by": "uiregress",
			"engine":     string(kind),
			"display":    display,
		},
		Env: []string{
			"DISPLAY=" + display,
			"DRIVER_PORT=" + strconv.Itoa(p.cfg.DriverPort),
		},
		ExposedPorts: nat.PortSet{
			driverPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			driverPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
		ShmSize:    1 << 30,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: p.cfg.SocketDir,
				Target: "/tmp/.X11-unix",
			},
		},
	}
	return containerConfig, hostConfig
}

// Launch creates and starts a container for kind and opens a session in it
func (p *DockerProvisioner) Launch(ctx context.Context, kind models.EngineKind, display string) (*Instance, error) {
	caps, err := Capabilities(kind, display, p.cfg.Browser)
	if err != nil {
		return nil, err
	}
	img, err := p.imageFor(kind)
	if err != nil {
		return nil, err
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()

	containerConfig, hostConfig := p.containerConfig(kind, img, display)
	name := fmt.Sprintf("%s-%s-%s", p.cfg.NamePrefix, kind, uuid.NewString()[:8])

	resp, err := p.client.ContainerCreate(launchCtx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	remove := func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout)
		defer rmCancel()
		_ = p.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
	}

	if err := p.client.ContainerStart(launchCtx, resp.ID, container.StartOptions{}); err != nil {
		remove()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	port, err := p.hostPort(launchCtx, resp.ID)
	if err != nil {
		remove()
		return nil, err
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%s", port)
	if err := waitForDriverReady(launchCtx, endpoint, nil); err != nil {
		remove()
		return nil, err
	}

	wd, err := openSession(launchCtx, p.open, caps, endpoint, nil)
	if err != nil {
		remove()
		return nil, err
	}
	if p.cfg.ImplicitWait > 0 {
		if err := wd.SetImplicitWaitTimeout(p.cfg.ImplicitWait); err != nil {
			p.logger.WithError(err).Warn("failed to set implicit wait")
		}
	}

	log := p.logger.WithFields(logrus.Fields{"engine": kind, "display": display, "container": resp.ID[:12]})
	log.Debug("engine container launched")

	release := func(ctx context.Context) error {
		quitErr := quitSession(ctx, wd)
		stopErr := p.stopContainer(resp.ID)
		if quitErr != nil || stopErr != nil {
			log.WithError(errors.Join(quitErr, stopErr)).Warn("engine container did not shut down cleanly")
		}
		return errors.Join(quitErr, stopErr)
	}
	return NewInstance(kind, display, endpoint, NewWebDriver(wd), release), nil
}

func (p *DockerProvisioner) hostPort(ctx context.Context, id string) (string, error) {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", errors.New("container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(strconv.Itoa(p.cfg.DriverPort)+"/tcp")]
	if len(bindings) == 0 {
		return "", fmt.Errorf("driver port %d is not published", p.cfg.DriverPort)
	}
	return bindings[0].HostPort, nil
}

// stopContainer runs on its own context so teardown survives a canceled run
func (p *DockerProvisioner) stopContainer(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*p.cfg.StopTimeout)
	defer cancel()

	timeout := int(p.cfg.StopTimeout / time.Second)
	if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImages pulls every configured image that is not present locally
func (p *DockerProvisioner) EnsureImages(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	present := make(map[string]bool)
	for _, img := range images {
		for _, tag := range img.RepoTags {
			present[tag] = true
		}
	}

	for kind, ref := range p.cfg.Images {
		if present[ref] {
			continue
		}
		p.logger.WithFields(logrus.Fields{"engine": kind, "image": ref}).Info("pulling engine image")
		reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the docker client
func (p *DockerProvisioner) Close() error {
	return p.client.Close()
}
