// Package cluster wraps the Kubernetes API access used by the aggregator:
// plain list calls for the resource collections the broadcast feed is built
// from.
package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Lister is the read-only cluster view the aggregator consumes.
type Lister interface {
	ListPods(ctx context.Context) ([]corev1.Pod, error)
	ListServices(ctx context.Context) ([]corev1.Service, error)
	ListDeployments(ctx context.Context) ([]appsv1.Deployment, error)
	ListStatefulSets(ctx context.Context) ([]appsv1.StatefulSet, error)
}

// Client lists cluster resources through a Kubernetes clientset. An empty
// namespace lists across all namespaces.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// NewClient constructs a cluster client scoped to the given namespace.
func NewClient(clientset kubernetes.Interface, namespace string) *Client {
	return &Client{
		clientset: clientset,
		namespace: namespace,
	}
}

// ListPods returns all pods in the client's scope.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %v", err)
	}
	return list.Items, nil
}

// ListServices returns all services in the client's scope.
func (c *Client) ListServices(ctx context.Context) ([]corev1.Service, error) {
	list, err := c.clientset.CoreV1().Services(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %v", err)
	}
	return list.Items, nil
}

// ListDeployments returns all deployments in the client's scope.
func (c *Client) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	list, err := c.clientset.AppsV1().Deployments(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %v", err)
	}
	return list.Items, nil
}

// ListStatefulSets returns all statefulsets in the client's scope.
func (c *Client) ListStatefulSets(ctx context.Context) ([]appsv1.StatefulSet, error) {
	list, err := c.clientset.AppsV1().StatefulSets(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list statefulsets: %v", err)
	}
	return list.Items, nil
}
