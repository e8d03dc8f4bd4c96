package sim

// TimeTeller reports the current simulated time.
type TimeTeller interface {
	CurrentTime() VTimeInSec
}

// A SimulationEndHandler runs once the simulation has finished.
type SimulationEndHandler interface {
	Handle(now VTimeInSec)
}

// An Engine runs a discrete event simulation.
type Engine interface {
	Hookable
	TimeTeller

	// Schedule queues an event. Events may not be scheduled in the past.
	Schedule(e Event)

	// Run handles events until none is left.
	Run() error

	// Pause blocks the engine between two events until Continue is called.
	Pause()
	Continue()

	RegisterSimulationEndHandler(handler SimulationEndHandler)

	// Finished calls the registered simulation end handlers.
	Finished()
}
