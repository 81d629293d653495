// Package shellquote splits and joins command lines using POSIX shell
// quoting rules. The supervisor uses it to turn requirement strings such as
// `cmd:python -m pip install "scikit-image>=0.17"` into argument vectors.
package shellquote

import (
	"errors"
	"strings"
)

// Split splits line into arguments. Single quotes preserve their content
// verbatim, double quotes honor backslash escapes of `"` and `\`, and an
// unquoted backslash escapes the next rune. Adjacent quoted segments
// concatenate into one argument, as in a POSIX shell.
func Split(line string) ([]string, error) {
	var args []string
	rs := []rune(line)
	i := 0
	for {
		for i < len(rs) && (rs[i] == ' ' || rs[i] == '\t') {
			i++
		}
		if i >= len(rs) {
			return args, nil
		}
		arg := strings.Builder{}
		for i < len(rs) && rs[i] != ' ' && rs[i] != '\t' {
			var err error
			switch rs[i] {
			case '\'':
				i, err = scanSingleQuoted(rs, i+1, &arg)
			case '"':
				i, err = scanDoubleQuoted(rs, i+1, &arg)
			default:
				i, err = scanBare(rs, i, &arg)
			}
			if err != nil {
				return nil, err
			}
		}
		args = append(args, arg.String())
	}
}

func scanSingleQuoted(rs []rune, i int, out *strings.Builder) (int, error) {
	for i < len(rs) {
		if rs[i] == '\'' {
			return i + 1, nil
		}
		out.WriteRune(rs[i])
		i++
	}
	return 0, errors.New("unterminated single-quoted string")
}

func scanDoubleQuoted(rs []rune, i int, out *strings.Builder) (int, error) {
	for i < len(rs) {
		switch rs[i] {
		case '"':
			return i + 1, nil
		case '\\':
			if i+1 < len(rs) && (rs[i+1] == '"' || rs[i+1] == '\\') {
				i++
			}
			fallthrough
		default:
			out.WriteRune(rs[i])
			i++
		}
	}
	return 0, errors.New("unterminated double-quoted string")
}

func scanBare(rs []rune, i int, out *strings.Builder) (int, error) {
	for i < len(rs) {
		switch rs[i] {
		case ' ', '\t':
			return i, nil
		case '\'', '"':
			return i, nil
		case '\\':
			i++
			if i >= len(rs) {
				return 0, errors.New("dangling backslash")
			}
			out.WriteRune(rs[i])
			i++
		default:
			out.WriteRune(rs[i])
			i++
		}
	}
	return i, nil
}

// Join quotes each argument so that Split(Join(args...)) returns args.
func Join(args ...string) string {
	b := strings.Builder{}
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(quote(arg))
	}
	return b.String()
}

func quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t'\"\\") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
