package httpapi

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-data-aggregation/internal/dispatcher"
	"github.com/i474232898/weather-data-aggregation/internal/replica"
	"github.com/i474232898/weather-data-aggregation/internal/store"
)

var validate = validator.New()

// Cluster is the routing view the admin surface reports on.
type Cluster interface {
	ClusterClock() int64
	Replicas() []dispatcher.Replica
	BreakerState(id string) (gobreaker.State, bool)
}

// Store is the record store behind the cluster's replicas.
type Store interface {
	Stats() store.Stats
	Clear()
}

// nodeStatus is implemented by replicas that report their lifecycle.
type nodeStatus interface {
	Clock() int64
	State() replica.State
}

// ReplicaView is the JSON shape of one replica.
type ReplicaView struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	State   string `json:"state"`
	Clock   int64  `json:"clock"`
	Breaker string `json:"breaker"`
}

// RegisterRoutes wires the admin HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, cluster Cluster, records Store) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-data-aggregation",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/cluster", func(c *fiber.Ctx) error {
		replicas := cluster.Replicas()
		views := make([]ReplicaView, 0, len(replicas))
		for _, r := range replicas {
			views = append(views, view(cluster, r))
		}
		return c.JSON(fiber.Map{
			"clock":    cluster.ClusterClock(),
			"replicas": views,
			"store":    records.Stats(),
		})
	})

	v1.Get("/replicas/:id", func(c *fiber.Ctx) error {
		q := replicaPath{ID: c.Params("id")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		for _, r := range cluster.Replicas() {
			if r.ID() == q.ID {
				return c.JSON(view(cluster, r))
			}
		}
		return fiber.NewError(fiber.StatusNotFound, "unknown replica")
	})

	v1.Post("/admin/reset", func(c *fiber.Ctx) error {
		records.Clear()
		return c.JSON(fiber.Map{
			"reset": true,
			"store": records.Stats(),
		})
	})
}

// replicaPath holds the path parameters of the replica endpoint.
type replicaPath struct {
	ID string `validate:"required,max=64,printascii"`
}

func view(cluster Cluster, r dispatcher.Replica) ReplicaView {
	v := ReplicaView{ID: r.ID(), Addr: r.Addr(), State: "unknown"}
	if s, ok := r.(nodeStatus); ok {
		v.State = s.State().String()
		v.Clock = s.Clock()
	}
	if st, ok := cluster.BreakerState(r.ID()); ok {
		v.Breaker = st.String()
	}
	return v
}
