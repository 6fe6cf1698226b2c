package configs

import (
	"fmt"
	"net/url"
	"time"

	"github.com/opst/tuplefab/pkg/loop/recurring"
	"github.com/opst/tuplefab/pkg/sandbox/slots"
	"k8s.io/apimachinery/pkg/api/resource"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
// Unmarshal recovers it into an error.
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ConfigMarshall struct {
	Node      string                   `yaml:"node"`
	Ledger    *LedgerConfigMarshall    `yaml:"ledger"`
	Mirror    *MirrorConfigMarshall    `yaml:"mirror,omitempty"`
	Storage   *StorageConfigMarshall   `yaml:"storage"`
	Sandbox   *SandboxConfigMarshall   `yaml:"sandbox"`
	Queue     *QueueConfigMarshall     `yaml:"queue,omitempty"`
	Loops     *LoopsConfigMarshall     `yaml:"loops,omitempty"`
	Reconcile *ReconcileConfigMarshall `yaml:"reconcile,omitempty"`
	Server    *ServerConfigMarshall    `yaml:"server,omitempty"`
	Hooks     *HooksConfigMarshall     `yaml:"hooks,omitempty"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

func (c *ConfigMarshall) trySeal(path string) *Config {
	return &Config{
		node:      required(c.Node, path+".node"),
		ledger:    nonnil(c.Ledger, path+".ledger").trySeal(path + ".ledger"),
		mirror:    orZero(c.Mirror).trySeal(path + ".mirror"),
		storage:   nonnil(c.Storage, path+".storage").trySeal(path + ".storage"),
		sandbox:   nonnil(c.Sandbox, path+".sandbox").trySeal(path + ".sandbox"),
		queue:     orZero(c.Queue).trySeal(path + ".queue"),
		loops:     orZero(c.Loops).trySeal(path + ".loops"),
		reconcile: orZero(c.Reconcile).trySeal(path + ".reconcile"),
		server:    orZero(c.Server).trySeal(path + ".server"),
		hooks:     orZero(c.Hooks).trySeal(path + ".hooks"),
	}
}

type LedgerConfigMarshall struct {
	Endpoint      string        `yaml:"endpoint"`
	Channel       string        `yaml:"channel"`
	Chaincode     string        `yaml:"chaincode"`
	SyncTimeout   time.Duration `yaml:"syncTimeout,omitempty"`
	CommitPolling time.Duration `yaml:"commitPolling,omitempty"`
}

func (l *LedgerConfigMarshall) trySeal(path string) *LedgerConfig {
	endpoint := required(l.Endpoint, path+".endpoint")
	if _, err := url.Parse(endpoint); err != nil {
		panic(fmt.Errorf("%s.endpoint can not be parsed: %w", path, err))
	}
	return &LedgerConfig{
		endpoint:      endpoint,
		channel:       required(l.Channel, path+".channel"),
		chaincode:     required(l.Chaincode, path+".chaincode"),
		syncTimeout:   positive(l.SyncTimeout, 30*time.Second, path+".syncTimeout"),
		commitPolling: positive(l.CommitPolling, 500*time.Millisecond, path+".commitPolling"),
	}
}

type MirrorConfigMarshall struct {
	Postgres string `yaml:"postgres,omitempty"`
}

func (m *MirrorConfigMarshall) trySeal(string) *MirrorConfig {
	return &MirrorConfig{postgres: m.Postgres}
}

type StorageConfigMarshall struct {
	Root    string `yaml:"root"`
	BaseURL string `yaml:"baseURL,omitempty"`
}

func (s *StorageConfigMarshall) trySeal(path string) *StorageConfig {
	conf := &StorageConfig{root: required(s.Root, path+".root")}
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			panic(fmt.Errorf("%s.baseURL can not be parsed: %w", path, err))
		}
		conf.baseURL = u
	}
	return conf
}

type SandboxConfigMarshall struct {
	Root         string                    `yaml:"root"`
	Runtime      string                    `yaml:"runtime"`
	CPUs         string                    `yaml:"cpus,omitempty"`
	CPUsPerSlot  int                       `yaml:"cpusPerSlot,omitempty"`
	Memory       string                    `yaml:"memory"`
	Shm          string                    `yaml:"shm,omitempty"`
	Mount        string                    `yaml:"mount,omitempty"`
	MetricsImage string                    `yaml:"metricsImage"`
	DryRunImage  string                    `yaml:"dryRunImage,omitempty"`
	Docker       *DockerConfigMarshall     `yaml:"docker,omitempty"`
	Kubernetes   *KubernetesConfigMarshall `yaml:"kubernetes,omitempty"`
}

func (s *SandboxConfigMarshall) trySeal(path string) *SandboxConfig {
	conf := &SandboxConfig{
		root:         required(s.Root, path+".root"),
		runtime:      oneOf(s.Runtime, path+".runtime", RuntimeDocker, RuntimeKubernetes),
		cpus:         s.CPUs,
		cpusPerSlot:  s.CPUsPerSlot,
		memory:       quantity(required(s.Memory, path+".memory"), path+".memory"),
		shm:          quantity(s.Shm, path+".shm"),
		mount:        s.Mount,
		metricsImage: required(s.MetricsImage, path+".metricsImage"),
		dryRunImage:  s.DryRunImage,
	}
	if conf.cpus != "" {
		if _, err := slots.ParseCPUs(conf.cpus); err != nil {
			panic(fmt.Errorf("%s.cpus can not be parsed: %w", path, err))
		}
	}
	if conf.cpusPerSlot == 0 {
		conf.cpusPerSlot = 1
	}
	if conf.cpusPerSlot < 0 {
		panic(fmt.Errorf("%s.cpusPerSlot should be positive", path))
	}
	if s.Shm == "" {
		conf.shm = resource.MustParse("64Mi")
	}
	if conf.mount == "" {
		conf.mount = "auto"
	}
	oneOf(conf.mount, path+".mount", "auto", "symlink", "copy")

	switch conf.runtime {
	case RuntimeDocker:
		conf.docker = orZero(s.Docker).trySeal(path + ".docker")
	case RuntimeKubernetes:
		conf.kubernetes = nonnil(s.Kubernetes, path+".kubernetes").trySeal(path + ".kubernetes")
	}
	return conf
}

type DockerConfigMarshall struct {
	Repository string `yaml:"repository,omitempty"`
}

func (d *DockerConfigMarshall) trySeal(string) *DockerConfig {
	repo := d.Repository
	if repo == "" {
		repo = "tuplefab-algo"
	}
	return &DockerConfig{repository: repo}
}

type KubernetesConfigMarshall struct {
	Namespace  string                 `yaml:"namespace"`
	NodeName   string                 `yaml:"nodeName"`
	Kubeconfig string                 `yaml:"kubeconfig,omitempty"`
	Builder    *BuilderConfigMarshall `yaml:"builder,omitempty"`
}

func (k *KubernetesConfigMarshall) trySeal(path string) *KubernetesConfig {
	conf := &KubernetesConfig{
		namespace:  required(k.Namespace, path+".namespace"),
		nodeName:   required(k.NodeName, path+".nodeName"),
		kubeconfig: k.Kubeconfig,
	}
	if k.Builder != nil {
		conf.builder = k.Builder.trySeal(path + ".builder")
	}
	return conf
}

type BuilderConfigMarshall struct {
	Base       string   `yaml:"base"`
	Repository string   `yaml:"repository"`
	Entrypoint []string `yaml:"entrypoint,omitempty"`
}

func (b *BuilderConfigMarshall) trySeal(path string) *BuilderConfig {
	return &BuilderConfig{
		base:       required(b.Base, path+".base"),
		repository: required(b.Repository, path+".repository"),
		entrypoint: append([]string{}, b.Entrypoint...),
	}
}

type QueueConfigMarshall struct {
	Workers   int           `yaml:"workers,omitempty"`
	Capacity  int           `yaml:"capacity,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

func (q *QueueConfigMarshall) trySeal(path string) *QueueConfig {
	return &QueueConfig{
		workers:   int(positive(int64(q.Workers), 4, path+".workers")),
		capacity:  int(positive(int64(q.Capacity), 64, path+".capacity")),
		retention: positive(q.Retention, time.Hour, path+".retention"),
	}
}

type LoopsConfigMarshall struct {
	Execution string `yaml:"execution,omitempty"`
	Reconcile string `yaml:"reconcile,omitempty"`
	Sync      string `yaml:"sync,omitempty"`
	GC        string `yaml:"gc,omitempty"`
}

func (l *LoopsConfigMarshall) trySeal(path string) *LoopsConfig {
	return &LoopsConfig{
		execution: policy(l.Execution, "forever:5s", path+".execution"),
		reconcile: policy(l.Reconcile, "forever:1m", path+".reconcile"),
		sync:      policy(l.Sync, "forever:30s", path+".sync"),
		gc:        policy(l.GC, "forever:10m", path+".gc"),
	}
}

type ReconcileConfigMarshall struct {
	Grace time.Duration `yaml:"grace,omitempty"`
	Batch int           `yaml:"batch,omitempty"`
}

func (r *ReconcileConfigMarshall) trySeal(path string) *ReconcileConfig {
	return &ReconcileConfig{
		grace: positive(r.Grace, 5*time.Minute, path+".grace"),
		batch: int(positive(int64(r.Batch), 100, path+".batch")),
	}
}

type ServerConfigMarshall struct {
	Port int32 `yaml:"port,omitempty"`
}

func (s *ServerConfigMarshall) trySeal(path string) *ServerConfig {
	return &ServerConfig{port: positive(s.Port, 8080, path+".port")}
}

type HooksConfigMarshall struct {
	Lifecycle struct {
		Before []string `yaml:"before,omitempty"`
		After  []string `yaml:"after,omitempty"`
	} `yaml:"lifecycle,omitempty"`
}

func (h *HooksConfigMarshall) trySeal(path string) *HooksConfig {
	return &HooksConfig{
		before: urls(h.Lifecycle.Before, path+".lifecycle.before"),
		after:  urls(h.Lifecycle.After, path+".lifecycle.after"),
	}
}

func urls(raw []string, path string) []*url.URL {
	parsed := make([]*url.URL, len(raw))
	for i, u := range raw {
		p, err := url.Parse(u)
		if err != nil {
			panic(fmt.Errorf("%s[%d] can not be parsed: %w", path, i, err))
		}
		parsed[i] = p
	}
	return parsed
}

func policy(s string, fallback string, path string) recurring.Policy {
	if s == "" {
		s = fallback
	}
	p, err := recurring.ParsePolicy(s)
	if err != nil {
		panic(fmt.Errorf("%s: %w", path, err))
	}
	return p
}

func quantity(s string, path string) resource.Quantity {
	if s == "" {
		return resource.Quantity{}
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	return q
}

func oneOf(v string, path string, candidates ...string) string {
	for _, c := range candidates {
		if v == c {
			return v
		}
	}
	panic(fmt.Sprintf("%s should be one of %v, but %q", path, candidates, v))
}

func positive[T int32 | int64 | time.Duration](v T, fallback T, path string) T {
	if v == 0 {
		return fallback
	}
	if v < 0 {
		panic(path + " should be positive")
	}
	return v
}

// orZero returns v, or an empty value when v is nil. For optional sections.
func orZero[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}
