package store

import "github.com/gigmarket/ordersync/internal/models"

// transitionMap is the order lifecycle graph: status -> statuses it may move to
var transitionMap = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending: {
		models.OrderStatusAccepted,
		models.OrderStatusCancelled,
	},
	models.OrderStatusAccepted: {
		models.OrderStatusOnTheWay,
		models.OrderStatusCancelled,
	},
	models.OrderStatusOnTheWay: {
		models.OrderStatusArrived,
		models.OrderStatusCancelled,
	},
	models.OrderStatusArrived: {
		models.OrderStatusInProgress,
		models.OrderStatusExtraRequested,
		models.OrderStatusCancelled,
	},
	models.OrderStatusInProgress: {
		models.OrderStatusExtraRequested,
		models.OrderStatusCompleted,
		models.OrderStatusCancelled,
	},
	models.OrderStatusExtraRequested: {
		models.OrderStatusInProgress,
		models.OrderStatusCancelled,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitionMap[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from by zero or more edges
func Reachable(from, to models.OrderStatus) bool {
	if from == to {
		return true
	}
	seen := map[models.OrderStatus]bool{from: true}
	queue := []models.OrderStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitionMap[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// CanAddExtra reports whether an extra charge may be added in status
func CanAddExtra(status models.OrderStatus) bool {
	return status == models.OrderStatusInProgress || status == models.OrderStatusArrived
}

// Next returns the statuses reachable from status in one step
func Next(status models.OrderStatus) []models.OrderStatus {
	out := make([]models.OrderStatus, len(transitionMap[status]))
	copy(out, transitionMap[status])
	return out
}
