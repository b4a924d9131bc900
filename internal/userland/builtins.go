package userland

import "github.com/GriffinCanCode/AgentOS/kcore/internal/syscall"

// Builtins returns the programs every kernel ships with.
func Builtins() map[string]Program {
	return map[string]Program{
		"hw":        helloWorld,
		"exec":      execHello,
		"init":      execHello,
		"tree":      tree,
		"readwrite": readWrite,
	}
}

// RegisterBuiltins adds Builtins to r.
func RegisterBuiltins(r *Registry) {
	for name, p := range Builtins() {
		r.Register(name, p)
	}
}

func helloWorld(u *User) int {
	u.Printf("Hello, World\n")
	return 0
}

// execHello starts hw, waits for it and halts.
func execHello(u *User) int {
	child := u.Exec("hw")
	if child < 0 {
		u.Printf("exec failed: %d\n", child)
		u.Halt()
		return 1
	}
	u.Printf("child %d joined with status %d\n", child, u.Join(child))
	u.Halt()
	return 0
}

// tree leaves two children behind for finish to reap.
func tree(u *User) int {
	for i := 0; i < 2; i++ {
		if u.Exec("hw") < 0 {
			return 1
		}
	}
	return 0
}

func readWrite(u *User) int {
	buf := make([]byte, 10)
	u.Write(syscall.Stdout, []byte("Please write 10 characters: \n"))
	n := u.Read(syscall.Stdin, buf)
	if n > 0 {
		u.Write(syscall.Stdout, buf[:n])
	}
	u.Write(syscall.Stdout, []byte("\nTest complete.\n"))
	u.Halt()
	return 0
}
