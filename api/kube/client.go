// Package kube manages the lifecycle of generated workloads: manifest
// rendering, namespace guarantees, scaling through the cluster API and
// remote apply/teardown through the gateway.
package kube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"kelda/api/errs"
)

type Client struct {
	cs kubernetes.Interface
}

// NewClient builds a cluster API client: in-cluster config when kelda
// itself runs on the cluster, local kubeconfig otherwise.
func NewClient() (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(os.Getenv("HOME"), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return &Client{cs: cs}, nil
}

// NewClientFromKubeconfig builds a client from kubeconfig bytes
// fetched off a master node.
func NewClientFromKubeconfig(data []byte) (*Client, error) {
	config, err := clientcmd.RESTConfigFromKubeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse kubeconfig: %w", err)
	}
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return &Client{cs: cs}, nil
}

// NewClientForTesting wraps a fake clientset.
func NewClientForTesting(cs kubernetes.Interface) *Client {
	return &Client{cs: cs}
}

// EnsureNamespace creates the namespace when absent. Any cluster API
// failure other than not-found propagates as ClusterAPIError.
func (c *Client) EnsureNamespace(ctx context.Context, namespace string) error {
	_, err := c.cs.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsNotFound(err) {
		return &errs.ClusterAPIError{Op: "get namespace", Err: err}
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{"managed-by": "kelda"},
		},
	}
	if _, err := c.cs.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return nil
		}
		return &errs.ClusterAPIError{Op: "create namespace", Err: err}
	}
	return nil
}

// Scale reads the deployment's current scale and replaces its replica
// count. Used for stop (0) and start (1), not general autoscaling.
func (c *Client) Scale(ctx context.Context, namespace, deployment string, replicas int32) error {
	dep, err := c.cs.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return errs.NotFound("deployment", deployment)
		}
		return &errs.ClusterAPIError{Op: "get deployment", Err: err}
	}
	dep.Spec.Replicas = ptr(replicas)
	if _, err := c.cs.AppsV1().Deployments(namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return &errs.ClusterAPIError{Op: "update scale", Err: err}
	}
	return nil
}

// Replicas reads the current replica count of a deployment.
func (c *Client) Replicas(ctx context.Context, namespace, deployment string) (int32, error) {
	dep, err := c.cs.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return 0, &errs.ClusterAPIError{Op: "get deployment", Err: err}
	}
	if dep.Spec.Replicas == nil {
		return 1, nil
	}
	return *dep.Spec.Replicas, nil
}
