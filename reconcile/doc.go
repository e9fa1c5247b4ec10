// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package reconcile decides whether an E-14 act is internally consistent
("cuadrada") and safe to submit.

# Derived Quantities

	urna normalizada = votos urna - votos incinerados   (not clamped)
	suma total       = candidatos + blanco + nulos + no marcados
	diferencia       = suma total - urna normalizada

# Leveling States

	excedente    urna normalizada > habilitados
	faltante     urna > habilitados and urna normalizada < habilitados
	nivelada     urna > habilitados and urna normalizada == habilitados
	innecesaria  urna <= habilitados and incinerados > 0
	normal       anything else

An act is acceptable when diferencia is zero, a table is selected, no input
issue was found and the state is neither excedente, faltante nor
innecesaria. Incineration with an urn that never exceeded the roll is
rejected even if the sum balances.

# Usage

	res := reconcile.Evaluate(reconcile.Input{
		Fields:        fields,
		TableSelected: true,
	})
	if !res.Acceptable {
		return res.Reason()
	}
*/
package reconcile
