// Package configs reads the configuration file of a tuplefab node.
//
// Values are unmarshalled from YAML into XxxMarshall types, and sealed into
// read-only Xxx types. Sealing verifies values and fills defaults.
package configs

import (
	"net/url"
	"time"

	"github.com/opst/tuplefab/pkg/loop/recurring"
	"k8s.io/apimachinery/pkg/api/resource"
)

type Config struct {
	node      string
	ledger    *LedgerConfig
	mirror    *MirrorConfig
	storage   *StorageConfig
	sandbox   *SandboxConfig
	queue     *QueueConfig
	loops     *LoopsConfig
	reconcile *ReconcileConfig
	server    *ServerConfig
	hooks     *HooksConfig
}

// ID of this node on the ledger. Tuples assigned to it are run here.
func (c *Config) Node() string { return c.node }

func (c *Config) Ledger() *LedgerConfig { return c.ledger }

func (c *Config) Mirror() *MirrorConfig { return c.mirror }

func (c *Config) Storage() *StorageConfig { return c.storage }

func (c *Config) Sandbox() *SandboxConfig { return c.sandbox }

func (c *Config) Queue() *QueueConfig { return c.queue }

func (c *Config) Loops() *LoopsConfig { return c.loops }

func (c *Config) Reconcile() *ReconcileConfig { return c.reconcile }

func (c *Config) Server() *ServerConfig { return c.server }

func (c *Config) Hooks() *HooksConfig { return c.hooks }

type LedgerConfig struct {
	endpoint      string
	channel       string
	chaincode     string
	syncTimeout   time.Duration
	commitPolling time.Duration
}

// URL of the ledger gateway.
func (l *LedgerConfig) Endpoint() string { return l.endpoint }

func (l *LedgerConfig) Channel() string { return l.channel }

func (l *LedgerConfig) Chaincode() string { return l.chaincode }

// How long a synchronous invoke waits for its commit. default = 30s
func (l *LedgerConfig) SyncTimeout() time.Duration { return l.syncTimeout }

// Interval to check commit status. default = 500ms
func (l *LedgerConfig) CommitPolling() time.Duration { return l.commitPolling }

type MirrorConfig struct {
	postgres string
}

// Connection string of PostgreSQL. When empty, the mirror is in memory.
func (m *MirrorConfig) Postgres() string { return m.postgres }

type StorageConfig struct {
	root    string
	baseURL *url.URL
}

func (s *StorageConfig) Root() string { return s.root }

// URL other nodes fetch models of this node from. nil when models are not served.
func (s *StorageConfig) BaseURL() *url.URL { return s.baseURL }

const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

type SandboxConfig struct {
	root         string
	runtime      string
	cpus         string
	cpusPerSlot  int
	memory       resource.Quantity
	shm          resource.Quantity
	mount        string
	metricsImage string
	dryRunImage  string
	docker       *DockerConfig
	kubernetes   *KubernetesConfig
}

// Directory where sandboxes of jobs are made.
func (s *SandboxConfig) Root() string { return s.root }

// "docker" or "kubernetes".
func (s *SandboxConfig) Runtime() string { return s.runtime }

// CPUs for sandboxes, like "0-3,6". Empty means all CPUs.
func (s *SandboxConfig) CPUs() string { return s.cpus }

// CPUs given to a sandbox. default = 1
func (s *SandboxConfig) CPUsPerSlot() int { return s.cpusPerSlot }

func (s *SandboxConfig) Memory() resource.Quantity { return s.memory }

// Size of /dev/shm. default = 64Mi
func (s *SandboxConfig) Shm() resource.Quantity { return s.shm }

// "auto", "symlink" or "copy". default = "auto"
func (s *SandboxConfig) Mount() string { return s.mount }

func (s *SandboxConfig) MetricsImage() string { return s.metricsImage }

func (s *SandboxConfig) DryRunImage() string { return s.dryRunImage }

// Set when Runtime() is "docker".
func (s *SandboxConfig) Docker() *DockerConfig { return s.docker }

// Set when Runtime() is "kubernetes".
func (s *SandboxConfig) Kubernetes() *KubernetesConfig { return s.kubernetes }

type DockerConfig struct {
	repository string
}

// Repository of images built from algos. default = "tuplefab-algo"
func (d *DockerConfig) Repository() string { return d.repository }

type KubernetesConfig struct {
	namespace  string
	nodeName   string
	kubeconfig string
	builder    *BuilderConfig
}

func (k *KubernetesConfig) Namespace() string { return k.namespace }

// Node sandboxes are pinned to. Sandbox directories should be on it.
func (k *KubernetesConfig) NodeName() string { return k.nodeName }

// Path to kubeconfig. When empty, it is searched, and then in-cluster config is used.
func (k *KubernetesConfig) Kubeconfig() string { return k.kubeconfig }

func (k *KubernetesConfig) Builder() *BuilderConfig { return k.builder }

type BuilderConfig struct {
	base       string
	repository string
	entrypoint []string
}

// Image algos are layered on.
func (b *BuilderConfig) Base() string { return b.base }

// Repository images of algos are pushed to.
func (b *BuilderConfig) Repository() string { return b.repository }

func (b *BuilderConfig) Entrypoint() []string { return append([]string{}, b.entrypoint...) }

type QueueConfig struct {
	workers   int
	capacity  int
	retention time.Duration
}

func (q *QueueConfig) Workers() int { return q.workers }

func (q *QueueConfig) Capacity() int { return q.capacity }

func (q *QueueConfig) Retention() time.Duration { return q.retention }

type LoopsConfig struct {
	execution recurring.Policy
	reconcile recurring.Policy
	sync      recurring.Policy
	gc        recurring.Policy
}

func (l *LoopsConfig) Execution() recurring.Policy { return l.execution }

func (l *LoopsConfig) Reconcile() recurring.Policy { return l.reconcile }

func (l *LoopsConfig) Sync() recurring.Policy { return l.sync }

func (l *LoopsConfig) GC() recurring.Policy { return l.gc }

type ReconcileConfig struct {
	grace time.Duration
	batch int
}

// Age of unvalidated records to be reconciled. default = 5m
func (r *ReconcileConfig) Grace() time.Duration { return r.grace }

func (r *ReconcileConfig) Batch() int { return r.batch }

type ServerConfig struct {
	port int32
}

// Port serving /metrics and models. default = 8080
func (s *ServerConfig) Port() int32 { return s.port }

type HooksConfig struct {
	before []*url.URL
	after  []*url.URL
}

// URLs posted before tuple status changes.
func (h *HooksConfig) Before() []*url.URL { return h.before }

// URLs posted after tuple status changes.
func (h *HooksConfig) After() []*url.URL { return h.after }
