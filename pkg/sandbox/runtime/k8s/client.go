package k8s

import (
	"context"
	"io"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// subset of kubernetes.Interface
type Client interface {
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
	FindJobs(ctx context.Context, namespace string, labelSelector string) ([]kubebatch.Job, error)

	FindPods(ctx context.Context, namespace string, labelSelector string) ([]kubecore.Pod, error)
	Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error)

	CreateNetworkPolicy(ctx context.Context, namespace string, spec *kubenet.NetworkPolicy) (*kubenet.NetworkPolicy, error)
}

// A wrapper of kubernetes.Interface, flattening its method chains.
type client struct {
	client kubernetes.Interface
}

var _ Client = &client{}

func WrapClientset(c kubernetes.Interface) Client {
	return &client{client: c}
}

func (k *client) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *client) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *client) DeleteJob(ctx context.Context, namespace string, name string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
}

func (k *client) FindJobs(ctx context.Context, namespace string, labelSelector string) ([]kubebatch.Job, error) {
	resp, err := k.client.BatchV1().Jobs(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *client) FindPods(ctx context.Context, namespace string, labelSelector string) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *client) Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{Container: container}).
		Stream(ctx)
}

func (k *client) CreateNetworkPolicy(ctx context.Context, namespace string, np *kubenet.NetworkPolicy) (*kubenet.NetworkPolicy, error) {
	return k.client.NetworkingV1().NetworkPolicies(namespace).Create(ctx, np, kubeapimeta.CreateOptions{})
}
