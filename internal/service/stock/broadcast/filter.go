package broadcast

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"stocksync/internal/service/stock/domain"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func filterEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("productId", cel.StringType),
			cel.Variable("stock", cel.IntType),
		)
	})
	return celEnv, celEnvErr
}

// Filter 是订阅者提供的 CEL 表达式，例如 `stock < 5 && productId.startsWith("sku-")`。
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter 编译并检查表达式，结果类型必须是 bool。
func CompileFilter(expr string) (*Filter, error) {
	env, err := filterEnv()
	if err != nil {
		return nil, errors.Wrap(err, "create filter environment")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile filter %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "build filter program %q", expr)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// Match 求值失败时按不匹配处理
func (f *Filter) Match(change domain.StockChange) bool {
	out, _, err := f.prg.Eval(map[string]interface{}{
		"productId": change.ProductID,
		"stock":     int64(change.Stock),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *Filter) String() string {
	return f.expr
}
