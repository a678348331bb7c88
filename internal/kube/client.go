package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset builds a *rest.Config and kubernetes.Interface from the given
// kubeconfig path and optional context. If kubeconfigPath is empty, it falls
// back to the default location (~/.kube/config) or, failing that, in-cluster
// config. If kubeContext is empty, the kubeconfig's current-context is used.
func NewClientset(kubeconfigPath, kubeContext string) (*rest.Config, kubernetes.Interface, error) {
	if kubeconfigPath == "" {
		kubeconfigPath = defaultKubeconfig()
	}

	loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		// try in-cluster config as fallback.
		kubeconfigErr := err

		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("unable to load kubeconfig %q (%v) or in-cluster config: %w", kubeconfigPath, kubeconfigErr, err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return config, clientset, nil
}

func defaultKubeconfig() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kube", "config")
}
