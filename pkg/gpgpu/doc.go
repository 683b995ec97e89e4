// Package gpgpu steps interdependent 2D float fields one tick at a time.
//
// Each state variable owns a pair of equally sized RGBA float surfaces. On
// every Compute call each variable runs its program once per cell, reading the
// front surface of every declared dependency and writing its own back
// surface. Only after all variables have been written does the engine flip the
// shared front/back index, so every read within a tick observes the previous
// tick regardless of registration order or dependency cycles.
//
// The engine never touches pixels itself. All allocation, program compilation
// and full-domain passes go through a Host, which may be a GPU (see
// webglhost) or the CPU reference implementation (see cpuhost).
//
// Typical use:
//
//	eng := gpgpu.New(host, 256, 256)
//	pos, _ := eng.AddVariable("pos", gpgpu.Program{Source: posSrc}, initialPos)
//	vel, _ := eng.AddVariable("vel", gpgpu.Program{Source: velSrc}, initialVel)
//	_ = eng.SetDependencies(pos, pos, vel)
//	_ = eng.SetDependencies(vel, pos, vel)
//	if err := eng.Init(); err != nil {
//		// fall back to no simulation
//	}
//	for range frames {
//		_ = eng.Compute()
//	}
package gpgpu
