package svm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadFile reads a libsvm text model from path.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("svm: open model: %w", err)
	}
	defer f.Close()
	m, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("svm: load %s: %w", path, err)
	}
	return m, nil
}

// Load parses a model in the libsvm text format: a header of "key value"
// lines ending with "SV", then one line per support vector holding
// NrClass-1 coefficients followed by index:value terms.
func Load(r io.Reader) (*Model, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	m := &Model{}
	sawSV := false
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "SV" {
			sawSV = true
			break
		}
		if err := m.parseHeader(fields); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("svm: read header: %w", err)
	}
	if !sawSV {
		return nil, fmt.Errorf("%w: missing SV section", ErrInvalidModel)
	}

	m.SVCoef = make([][]float64, max(m.NrClass-1, 0))
	for i := range m.SVCoef {
		m.SVCoef[i] = make([]float64, m.L)
	}
	m.SV = make([][]Node, 0, m.L)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		i := len(m.SV)
		if i >= m.L {
			return nil, fmt.Errorf("%w: more than %d support vectors", ErrInvalidModel, m.L)
		}
		fields := strings.Fields(line)
		if len(fields) < len(m.SVCoef) {
			return nil, fmt.Errorf("%w: support vector %d has too few coefficients", ErrInvalidModel, i)
		}
		for k := range m.SVCoef {
			v, err := strconv.ParseFloat(fields[k], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: support vector %d coefficient: %v", ErrInvalidModel, i, err)
			}
			m.SVCoef[k][i] = v
		}
		nodes, err := ParseNodes(fields[len(m.SVCoef):])
		if err != nil {
			return nil, fmt.Errorf("support vector %d: %w", i, err)
		}
		m.SV = append(m.SV, nodes)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("svm: read support vectors: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) parseHeader(f []string) error {
	key, args := f[0], f[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%w: %s needs %d values", ErrInvalidModel, key, n)
		}
		return nil
	}
	var err error
	switch key {
	case "svm_type":
		if err = need(1); err != nil {
			return err
		}
		t := indexOf(typeNames[:], args[0])
		if t < 0 {
			return fmt.Errorf("%w: unknown svm_type %q", ErrInvalidModel, args[0])
		}
		m.Param.Type = Type(t)
	case "kernel_type":
		if err = need(1); err != nil {
			return err
		}
		k := indexOf(kernelNames[:], args[0])
		if k < 0 {
			return fmt.Errorf("%w: unknown kernel_type %q", ErrInvalidModel, args[0])
		}
		m.Param.Kernel = Kernel(k)
	case "degree":
		var d int64
		if err = need(1); err == nil {
			d, err = strconv.ParseInt(args[0], 10, 32)
			m.Param.Degree = int32(d)
		}
	case "gamma":
		if err = need(1); err == nil {
			m.Param.Gamma, err = strconv.ParseFloat(args[0], 64)
		}
	case "coef0":
		if err = need(1); err == nil {
			m.Param.Coef0, err = strconv.ParseFloat(args[0], 64)
		}
	case "nr_class":
		if err = need(1); err == nil {
			m.NrClass, err = strconv.Atoi(args[0])
		}
	case "total_sv":
		if err = need(1); err == nil {
			m.L, err = strconv.Atoi(args[0])
		}
	case "rho":
		m.Rho, err = parseFloats(args)
	case "probA":
		m.ProbA, err = parseFloats(args)
	case "probB":
		m.ProbB, err = parseFloats(args)
	case "label":
		m.Label, err = parseInt32s(args)
	case "nr_sv":
		m.NSV, err = parseInt32s(args)
	default:
		return fmt.Errorf("%w: unknown header %q", ErrInvalidModel, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidModel, key, err)
	}
	return nil
}

// ParseNodes parses "index:value" terms.
func ParseNodes(terms []string) ([]Node, error) {
	nodes := make([]Node, 0, len(terms))
	for _, t := range terms {
		idx, val, ok := strings.Cut(t, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed term %q", ErrInvalidModel, t)
		}
		i, err := strconv.ParseInt(idx, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: term index %q", ErrInvalidModel, idx)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: term value %q", ErrInvalidModel, val)
		}
		nodes = append(nodes, Node{Index: int32(i), Value: v})
	}
	return nodes, nil
}

// SaveFile writes m to path in the libsvm text format.
func (m *Model) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("svm: create model file: %w", err)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Save writes m in the libsvm text format.
func (m *Model) Save(w io.Writer) error {
	if err := m.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	p := m.Param
	fmt.Fprintf(bw, "svm_type %s\n", p.Type)
	fmt.Fprintf(bw, "kernel_type %s\n", p.Kernel)
	if p.Kernel == Poly {
		fmt.Fprintf(bw, "degree %d\n", p.Degree)
	}
	if p.Kernel == Poly || p.Kernel == RBF || p.Kernel == Sigmoid {
		fmt.Fprintf(bw, "gamma %s\n", formatFloat(p.Gamma))
	}
	if p.Kernel == Poly || p.Kernel == Sigmoid {
		fmt.Fprintf(bw, "coef0 %s\n", formatFloat(p.Coef0))
	}
	fmt.Fprintf(bw, "nr_class %d\n", m.NrClass)
	fmt.Fprintf(bw, "total_sv %d\n", m.L)
	writeList(bw, "rho", m.Rho)
	if len(m.Label) > 0 {
		writeInts(bw, "label", m.Label)
	}
	if len(m.ProbA) > 0 {
		writeList(bw, "probA", m.ProbA)
	}
	if len(m.ProbB) > 0 {
		writeList(bw, "probB", m.ProbB)
	}
	if len(m.NSV) > 0 {
		writeInts(bw, "nr_sv", m.NSV)
	}
	bw.WriteString("SV\n")
	for i, sv := range m.SV {
		for k := range m.SVCoef {
			bw.WriteString(formatFloat(m.SVCoef[k][i]))
			bw.WriteByte(' ')
		}
		for _, n := range sv {
			fmt.Fprintf(bw, "%d:%s ", n.Index, formatFloat(n.Value))
		}
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("svm: write model: %w", err)
	}
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 17, 64) }

func writeList(w *bufio.Writer, key string, vs []float64) {
	w.WriteString(key)
	for _, v := range vs {
		w.WriteByte(' ')
		w.WriteString(formatFloat(v))
	}
	w.WriteByte('\n')
}

func writeInts(w *bufio.Writer, key string, vs []int32) {
	w.WriteString(key)
	for _, v := range vs {
		fmt.Fprintf(w, " %d", v)
	}
	w.WriteByte('\n')
}

func parseFloats(s []string) ([]float64, error) {
	out := make([]float64, len(s))
	for i, v := range s {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func parseInt32s(s []string) ([]int32, error) {
	out := make([]int32, len(s))
	for i, v := range s {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = int32(n)
	}
	return out, nil
}

func indexOf(names []string, s string) int {
	for i, n := range names {
		if n == s {
			return i
		}
	}
	return -1
}
