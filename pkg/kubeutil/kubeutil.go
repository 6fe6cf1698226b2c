// Package kubeutil connects to the Kubernetes cluster sandboxes run in.
package kubeutil

import (
	"os"
	"path/filepath"

	xe "github.com/opst/tuplefab/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Kubeconfig finds a kubeconfig file.
//
// Later ones take priority:
//
//   - ~/.kube/config
//   - environmental variable KUBECONFIG
//   - the first file found in searchPath
//
// It returns "" when no files are found.
func Kubeconfig(searchPath ...string) string {
	isFile := func(p string) bool {
		s, err := os.Stat(p)
		return err == nil && !s.IsDir()
	}

	found := ""
	if home := homedir.HomeDir(); home != "" {
		if p := filepath.Join(home, ".kube", "config"); isFile(p) {
			found = p
		}
	}
	if p := os.Getenv("KUBECONFIG"); p != "" && isFile(p) {
		found = p
	}
	for _, p := range searchPath {
		if isFile(p) {
			return p
		}
	}
	return found
}

// Connect makes a clientset with the kubeconfig Kubeconfig finds.
// When there are none, it uses the in-cluster config.
func Connect(searchPath ...string) (*kubernetes.Clientset, error) {
	var config *rest.Config
	var err error
	if kubeconfig := Kubeconfig(searchPath...); kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, xe.Wrap(err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return clientset, nil
}
