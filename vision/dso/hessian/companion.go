package hessian

// Companion is the energy-functional object that mirrors a frame or point inside the solver. The
// state layer never looks inside it; it only refuses to release an entity while one is attached.
type Companion any
