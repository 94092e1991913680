package aggregate

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/opsdeck/opsdeck/internal/services"
)

// ServiceStatus is the derived health of one infrastructure service.
type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusDegraded ServiceStatus = "degraded"
	StatusUnknown  ServiceStatus = "unknown"
)

// ReplicaStatus reports ready versus desired replicas for a workload.
type ReplicaStatus struct {
	Ready   int32 `json:"ready"`
	Desired int32 `json:"desired"`
}

// ServiceHealth is one entry of the infrastructure_update payload.
type ServiceHealth struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   ServiceStatus `json:"status"`
	Replicas ReplicaStatus `json:"replicas"`
	Pods     int           `json:"pods"`
}

// ClusterSummary carries the collection counts of the cluster_update payload.
type ClusterSummary struct {
	Pods         int `json:"pods"`
	Services     int `json:"services"`
	Deployments  int `json:"deployments"`
	StatefulSets int `json:"statefulsets"`
}

// ClusterUpdatePayload is the data field of a cluster_update message.
type ClusterUpdatePayload struct {
	Timestamp string         `json:"timestamp"`
	Summary   ClusterSummary `json:"summary"`
}

// InfrastructureUpdatePayload is the data field of an infrastructure_update
// message.
type InfrastructureUpdatePayload struct {
	Timestamp string          `json:"timestamp"`
	Services  []ServiceHealth `json:"services"`
}

var displayTitle = cases.Title(language.English)

// displayName turns a workload name like "cert-manager" into "Cert Manager".
func displayName(id string) string {
	return displayTitle.String(strings.ReplaceAll(id, "-", " "))
}

// deriveServiceHealth builds one health record per definition from the
// current cluster state. A Deployment match takes precedence when a
// Deployment and a StatefulSet share the service's name.
func deriveServiceHealth(
	defs []services.Definition,
	pods []corev1.Pod,
	deployments []appsv1.Deployment,
	statefulSets []appsv1.StatefulSet,
) []ServiceHealth {
	records := make([]ServiceHealth, 0, len(defs))
	for _, def := range defs {
		record := ServiceHealth{
			ID:     def.Name,
			Name:   displayName(def.Name),
			Status: StatusUnknown,
			Pods:   countServicePods(def.Name, pods),
		}

		if replicas, ok := matchDeployment(def.Name, deployments); ok {
			record.Replicas = replicas
			record.Status = replicaStatus(replicas)
		} else if replicas, ok := matchStatefulSet(def.Name, statefulSets); ok {
			record.Replicas = replicas
			record.Status = replicaStatus(replicas)
		}

		records = append(records, record)
	}
	return records
}

func replicaStatus(replicas ReplicaStatus) ServiceStatus {
	if replicas.Desired > 0 && replicas.Ready == replicas.Desired {
		return StatusRunning
	}
	return StatusDegraded
}

func countServicePods(name string, pods []corev1.Pod) int {
	count := 0
	for _, pod := range pods {
		if pod.Labels["app"] == name {
			count++
		}
	}
	return count
}

func matchDeployment(name string, deployments []appsv1.Deployment) (ReplicaStatus, bool) {
	for _, deployment := range deployments {
		if deployment.Name != name {
			continue
		}
		desired := int32(0)
		if deployment.Spec.Replicas != nil {
			desired = *deployment.Spec.Replicas
		}
		return ReplicaStatus{
			Ready:   deployment.Status.ReadyReplicas,
			Desired: desired,
		}, true
	}
	return ReplicaStatus{}, false
}

func matchStatefulSet(name string, statefulSets []appsv1.StatefulSet) (ReplicaStatus, bool) {
	for _, statefulSet := range statefulSets {
		if statefulSet.Name != name {
			continue
		}
		desired := int32(0)
		if statefulSet.Spec.Replicas != nil {
			desired = *statefulSet.Spec.Replicas
		}
		return ReplicaStatus{
			Ready:   statefulSet.Status.ReadyReplicas,
			Desired: desired,
		}, true
	}
	return ReplicaStatus{}, false
}
