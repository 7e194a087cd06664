package order

import (
	"math/rand"
	"testing"
)

func TestCanTransition_EdgeTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusEscrow},
		{StatusPending, StatusCancelled},
		{StatusEscrow, StatusHeld},
		{StatusEscrow, StatusShipped},
		{StatusEscrow, StatusDisputed},
		{StatusEscrow, StatusCompleted},
		{StatusHeld, StatusShipped},
		{StatusHeld, StatusDisputed},
		{StatusHeld, StatusCompleted},
		{StatusShipped, StatusCompleted},
		{StatusShipped, StatusDisputed},
		{StatusShipped, StatusCancelled},
		{StatusDisputed, StatusCompleted},
		{StatusDisputed, StatusRefunded},
	}
	for _, edge := range allowed {
		if !CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s allowed", edge.from, edge.to)
		}
	}

	rejected := []struct{ from, to Status }{
		{StatusPending, StatusShipped},
		{StatusPending, StatusCompleted},
		{StatusShipped, StatusEscrow},
		{StatusCompleted, StatusDisputed},
		{StatusRefunded, StatusEscrow},
		{StatusCancelled, StatusPending},
		{StatusDisputed, StatusShipped},
		{StatusEscrow, StatusPending},
	}
	for _, edge := range rejected {
		if CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s rejected", edge.from, edge.to)
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusRefunded, StatusCancelled} {
		if !Terminal(s) {
			t.Errorf("expected %s terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusEscrow, StatusHeld, StatusShipped, StatusDisputed} {
		if Terminal(s) {
			t.Errorf("expected %s non-terminal", s)
		}
	}
}

// Random walks from pending must stay inside the known status set and stop
// making progress once a terminal state is reached.
func TestTransitions_RandomWalkStaysValid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	all := []Status{
		StatusPending, StatusEscrow, StatusHeld, StatusShipped,
		StatusCompleted, StatusDisputed, StatusRefunded, StatusCancelled,
	}

	for walk := 0; walk < 200; walk++ {
		current := StatusPending
		for step := 0; step < 20; step++ {
			next := all[rng.Intn(len(all))]
			if !CanTransition(current, next) {
				continue
			}
			if Terminal(current) {
				t.Fatalf("walk %d: edge %s -> %s leaves a terminal state", walk, current, next)
			}
			if !ValidStatus(next) {
				t.Fatalf("walk %d: edge into unknown status %s", walk, next)
			}
			current = next
		}
	}
}

func TestValidCarrier(t *testing.T) {
	for _, c := range Carriers {
		if !ValidCarrier(c) {
			t.Errorf("expected %s valid", c)
		}
	}
	for _, c := range []string{"dhl", "", "PigeonPost"} {
		if ValidCarrier(c) {
			t.Errorf("expected %q invalid", c)
		}
	}
}
